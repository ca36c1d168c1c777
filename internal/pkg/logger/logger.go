// Package logger writes leveled JSON log lines with email redaction.
//
// Every line carries time, level and msg plus the key/value pairs passed
// by the caller:
//
//	logger.Info("outbox: message sent", "outbox_id", id, "to_email", addr)
//
// Values under keys containing "email" are masked, and addresses embedded
// in any other string value are masked too, unless redaction is disabled.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// Level. Unknown values fall back to INFO and report false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, true
	case "info", "":
		return INFO, true
	case "warn", "warning":
		return WARN, true
	case "error":
		return ERROR, true
	}
	return INFO, false
}

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.Mutex
	level     Level
	redactPII bool
	out       io.Writer
	now       func() time.Time
}

// New creates a Logger writing to out. A nil out means os.Stderr.
func New(out io.Writer, level Level, redactPII bool) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{level: level, redactPII: redactPII, out: out, now: time.Now}
}

var defaultLogger = New(os.Stderr, INFO, true)

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.level = l
	defaultLogger.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	prev := defaultLogger.out
	defaultLogger.out = w
	return prev
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.Log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.Log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.Log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.Log(ERROR, msg, fields...) }

// Log writes one entry at the given level. A trailing key without a value
// is recorded under "!BADKEY".
func (l *Logger) Log(level Level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  l.now().UTC().Format(time.RFC3339Nano),
		"level": level.String(),
		"msg":   msg,
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			entry["!BADKEY"] = fmt.Sprintf("%v", fields[i])
			break
		}
		key := fmt.Sprintf("%v", fields[i])
		entry[key] = l.value(key, fields[i+1])
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"logger: marshal failed: %s"}`, err))
	}
	fmt.Fprintln(l.out, string(data))
}

// value keeps numbers and booleans JSON-native; everything else is
// stringified and, when enabled, redacted.
func (l *Logger) value(key string, v interface{}) interface{} {
	switch tv := v.(type) {
	case nil:
		return nil
	case int, int32, int64, uint, uint32, uint64, float64, bool:
		return tv
	case time.Duration:
		return tv.String()
	case error:
		return l.redact(key, tv.Error())
	default:
		return l.redact(key, fmt.Sprintf("%v", tv))
	}
}

func (l *Logger) redact(key, val string) string {
	if !l.redactPII {
		return val
	}
	return redactPIIValue(key, val)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || key == "to" || key == "recipient" {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
