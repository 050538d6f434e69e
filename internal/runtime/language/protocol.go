package language

import "strings"

// Normalize cleans interpreter stdout: trim, strip one wrapping layer of
// b'...', '...' or "...", unescape literal \n and \r, trim again.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case len(s) >= 3 && strings.HasPrefix(s, "b'") && strings.HasSuffix(s, "'"):
		s = s[2 : len(s)-1]
	case len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'':
		s = s[1 : len(s)-1]
	case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\r`, "\r")
	return strings.TrimSpace(s)
}

// ParseList reads a printed list literal such as ['a', 'b'] or the
// multi-line [ 'a',\n  'b' ] form. ok is false when s is not bracketed.
func ParseList(s string) (names []string, ok bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, false
	}
	for _, part := range strings.Split(s[1:len(s)-1], ",") {
		name := strings.Trim(strings.TrimSpace(part), `'"`)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, true
}

// parseCSV reads the comma-joined form printed by the PHP loader.
func parseCSV(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
