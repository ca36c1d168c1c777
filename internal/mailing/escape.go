package mailing

import "strings"

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeHTML replaces & < > " ' with their entity forms. It is the only
// escaping applied to user-controlled values in HTML bodies.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// escapeBindings returns a copy of b with every string value escaped,
// descending into string slices and nested maps. Non-string values are
// kept as they are.
func escapeBindings(b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		out[k] = escapeValue(v)
	}
	return out
}

func escapeValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		return EscapeHTML(tv)
	case []string:
		escaped := make([]string, len(tv))
		for i, s := range tv {
			escaped[i] = EscapeHTML(s)
		}
		return escaped
	case map[string]interface{}:
		return escapeBindings(tv)
	default:
		return v
	}
}
