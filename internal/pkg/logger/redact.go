package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "ada.lovelace@example.edu" → "ad***@example.edu"
// Local parts of two characters or fewer are fully masked.
// Display-name forms ("Ada <ada@example.edu>") keep only the masked address.
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if open := strings.LastIndex(email, "<"); open >= 0 && strings.HasSuffix(email, ">") {
		email = email[open+1 : len(email)-1]
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	name, domain := email[:at], email[at+1:]
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}
