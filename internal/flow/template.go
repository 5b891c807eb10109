package flow

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Substitute replaces {{field}} placeholders with values from the session's
// captured data. Unknown placeholders are left in place.
func Substitute(text string, data map[string]string) string {
	if len(data) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return match
	})
}
