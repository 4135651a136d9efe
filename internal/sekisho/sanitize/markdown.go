package sanitize

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// dangerousPatterns match active content that must never survive in agent
// markdown regardless of the HTML policy. Paired tags are removed with
// their bodies; a second orphan pattern catches unterminated openings.
var dangerousPatterns = []*regexp.Regexp{
	// Script, iframe, object, and form blocks including their content.
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
	regexp.MustCompile(`(?is)<object\b[^>]*>.*?</object\s*>`),
	regexp.MustCompile(`(?is)<form\b[^>]*>.*?</form\s*>`),
	// Orphaned opening or closing tags left by the block patterns.
	regexp.MustCompile(`(?i)</?(?:script|iframe|object|form)\b[^>]*>`),
	// Self-contained injection vectors.
	regexp.MustCompile(`(?i)</?embed\b[^>]*>`),
	regexp.MustCompile(`(?i)</?input\b[^>]*>`),
	// Inline event handlers: onclick=, onerror=, onload=, …
	regexp.MustCompile(`(?i)\bon\w+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]*)`),
	// Executable URL schemes, wherever they appear.
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
}

// markdownLink matches [text](target), the only markdown construct that
// smuggles URLs. Reference-style links are left alone; they resolve to
// nothing without a definition.
var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)

// bangLineStart matches an exclamation mark opening a line, the prefix of
// markdown image syntax and of several bot command dialects.
var bangLineStart = regexp.MustCompile(`(?m)^!`)

// allowedSchemes are the URL schemes permitted in markdown links.
var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"ftp":    true,
	"mailto": true,
	"tel":    true,
}

// Markdown sanitizes agent-supplied markdown. Control bytes are stripped,
// the text is capped at MaxStringLength, active-content patterns are
// removed, HTML is escaped (or filtered through a UGC policy when
// allowHTML is true), link targets with bad schemes or oversized URLs are
// replaced with inert fragments, and leading exclamation marks are
// escaped.
func (s *Sanitizer) Markdown(text string, allowHTML bool) string {
	s.bump(&s.total)

	out, _ := stripControl(text)
	out, _ = truncateRunes(out, MaxStringLength)

	matched := false
	for _, re := range dangerousPatterns {
		if re.MatchString(out) {
			matched = true
			out = re.ReplaceAllString(out, "")
		}
	}

	if allowHTML {
		out = s.htmlPolicy.Sanitize(out)
	} else {
		out = html.EscapeString(out)
	}

	replaced := false
	out = markdownLink.ReplaceAllStringFunc(out, func(link string) string {
		m := markdownLink.FindStringSubmatch(link)
		label, target := m[1], strings.TrimSpace(m[2])
		// Drop an optional "title" part; only the URL is judged.
		if fields := strings.Fields(target); len(fields) > 0 {
			target = fields[0]
		}
		if safe := safeLinkTarget(target); safe != target {
			replaced = true
			target = safe
		}
		return "[" + label + "](" + target + ")"
	})

	out = bangLineStart.ReplaceAllString(out, `\!`)

	if matched || replaced {
		s.bump(&s.blocked)
	}
	if out != text {
		s.bump(&s.modified)
	}
	return out
}

// safeLinkTarget returns target unchanged when it is an acceptable link
// destination, or an inert fragment describing why it was rejected.
func safeLinkTarget(target string) string {
	if len(target) > MaxURLLength {
		return "#blocked-url"
	}
	u, err := url.Parse(target)
	if err != nil {
		return "#invalid-url"
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return "#blocked-scheme"
	}
	return target
}
