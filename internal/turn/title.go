package turn

import "strings"

const maxTitleLength = 50

// Title derives a session title from the first user message: its first
// non-empty line, cut to 50 characters.
func Title(message string) string {
	var line string
	for _, l := range strings.Split(message, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return ""
	}
	runes := []rune(line)
	if len(runes) <= maxTitleLength {
		return line
	}
	return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
}
