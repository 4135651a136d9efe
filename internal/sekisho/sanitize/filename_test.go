package sanitize_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
)

func TestFilename(t *testing.T) {
	s := sanitize.New()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name unchanged", "handoff_20250102_130000_a3f9.json", "handoff_20250102_130000_a3f9.json"},
		{"slashes replaced", "a/b/c", "a_b_c"},
		{"backslashes replaced", `a\b`, "a_b"},
		{"shell metas replaced", `a:b*c?d"e<f>g|h~i`, "a_b_c_d_e_f_g_h_i"},
		{"null and newlines replaced", "a\x00b\nc\rd\te", "a_b_c_d_e"},
		{"dot pair split by control byte collapsed", "a.\x01.b", "a_b"},
		{"empty reserved", "", "unnamed_file"},
		{"dot reserved", ".", "unnamed_file"},
		{"dotdot reserved", "..", "unnamed_file"},
		{"con reserved", "CON", "unnamed_file"},
		{"con lowercase reserved", "con", "unnamed_file"},
		{"nul reserved", "NUL", "unnamed_file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Filename(tc.input); got != tc.want {
				t.Errorf("Filename(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestFilename_NeverUnsafe(t *testing.T) {
	s := sanitize.New()

	// Hostile inputs; whatever comes out must be a safe single component.
	inputs := []string{
		"../../etc/passwd",
		`..\..\windows\system32`,
		"a/../b",
		strings.Repeat("x", 5000),
		strings.Repeat(".", 300),
		"\x00\x01\x02",
		"~/.ssh/id_rsa",
		"a.\x01.b",
		".\x02.\x02.",
		strings.Repeat("a", 250) + "." + strings.Repeat("b", 40) + ".txt",
		strings.Repeat("a", 251) + "." + strings.Repeat("b", 40) + ".md",
	}
	for _, in := range inputs {
		got := s.Filename(in)
		if got == "" {
			t.Errorf("Filename(%q) produced empty string", in)
		}
		if strings.ContainsAny(got, `/\`) {
			t.Errorf("Filename(%q) = %q contains a path separator", in, got)
		}
		if strings.Contains(got, "..") {
			t.Errorf("Filename(%q) = %q contains ..", in, got)
		}
		if len([]rune(got)) > 255 {
			t.Errorf("Filename(%q) length %d > 255", in, len([]rune(got)))
		}
	}
}

func TestFilename_TruncatesPreservingExtension(t *testing.T) {
	s := sanitize.New()

	got := s.Filename(strings.Repeat("a", 300) + ".json")
	if len([]rune(got)) != 255 {
		t.Fatalf("length = %d, want 255", len([]rune(got)))
	}
	if !strings.HasSuffix(got, ".json") {
		t.Errorf("extension lost: %q", got[len(got)-10:])
	}

	// An absurdly long "extension" is not worth preserving.
	got = s.Filename("stem." + strings.Repeat("e", 300))
	if len([]rune(got)) != 255 {
		t.Errorf("length = %d, want 255", len([]rune(got)))
	}
}
