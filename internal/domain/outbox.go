package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// OutboxStatus enumerates the lifecycle of one outbox row.
//
//	pending ──claim──▶ sending ──▶ sent    (terminal)
//	                          └──▶ failed  (terminal)
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Valid reports whether s is one of the four known states.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxSending, OutboxSent, OutboxFailed:
		return true
	}
	return false
}

// IsTerminal returns true for sent and failed.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

// MaxErrorLength is the longest error text stored on a failed row, in characters.
const MaxErrorLength = 500

// OutboxMessage is one durable email intent.
type OutboxMessage struct {
	ID            string          `json:"id" db:"id"`
	ToEmail       string          `json:"to_email" db:"to_email"`
	Template      TemplateName    `json:"template" db:"template"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        OutboxStatus    `json:"status" db:"status"`
	AttemptCount  int             `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	Error         *string         `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TruncateError prepares a failure reason for storage: blank input becomes
// "unknown error" and anything longer than MaxErrorLength characters is cut.
// The cut never splits a multi-byte character.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	n := 0
	for i := range msg {
		if n == MaxErrorLength {
			return msg[:i]
		}
		n++
	}
	return msg
}

// DispatchResult summarizes one dispatcher invocation.
// Processed always equals Successful + Failed.
type DispatchResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}
