package sanitize

import (
	"path/filepath"
	"strings"
)

// filenameReplacer rewrites path separators, shell metacharacters, and
// whitespace control characters to underscores in one pass.
var filenameReplacer = strings.NewReplacer(
	"/", "_",
	`\`, "_",
	"~", "_",
	":", "_",
	"*", "_",
	"?", "_",
	`"`, "_",
	"<", "_",
	">", "_",
	"|", "_",
	"\x00", "_",
	"\n", "_",
	"\r", "_",
	"\t", "_",
)

// reservedFilenames are names that must never be used verbatim: empty and
// dot names would escape or collide, the rest are Windows device names.
var reservedFilenames = map[string]bool{
	"":    true,
	".":   true,
	"..":  true,
	"con": true,
	"prn": true,
	"aux": true,
	"nul": true,
}

const maxFilenameLength = 255

// Filename makes an arbitrary string safe to use as a single path
// component. Separators, traversal sequences, and control bytes are
// neutralized, the result is capped at 255 runes (preserving a short
// extension), and reserved names collapse to "unnamed_file". The reserved
// set is checked both before and after rewriting, so ".." is caught as a
// name and not just as a traversal sequence.
func (s *Sanitizer) Filename(name string) string {
	s.bump(&s.total)

	if reservedFilenames[strings.ToLower(name)] {
		s.bump(&s.modified)
		return "unnamed_file"
	}

	// Control bytes are stripped before the dot-pair collapse: a pair split
	// by a control byte must not reassemble once the byte is removed.
	out := filenameReplacer.Replace(name)
	out, _ = stripControl(out)
	out = strings.ReplaceAll(out, "..", "_")
	out = truncateFilename(out)

	if reservedFilenames[strings.ToLower(out)] {
		out = "unnamed_file"
	}
	if out != name {
		s.bump(&s.modified)
	}
	return out
}

// truncateFilename caps name at maxFilenameLength runes, keeping the
// extension when it is short enough to be a real one. Trailing dots are
// trimmed off the cut stem so the splice cannot form a new dot pair against
// the extension.
func truncateFilename(name string) string {
	runes := []rune(name)
	if len(runes) <= maxFilenameLength {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > 0 && len(ext) <= 10 {
		stem := strings.TrimRight(string(runes[:maxFilenameLength-len([]rune(ext))]), ".")
		return stem + ext
	}
	return string(runes[:maxFilenameLength])
}
