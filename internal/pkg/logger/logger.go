// Package logger emits structured JSON log lines. Outreach logs are full
// of recipient addresses and phone numbers, so redaction is on by default.
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

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	redactPII bool
}

var std = &Logger{out: os.Stderr, level: INFO, redactPII: true}

// SetLevel sets the minimum level for the process-wide logger.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles masking of addresses and phone numbers.
func SetRedactPII(on bool) { std.redactPII = on }

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) { std.out = w }

func Debug(msg string, kv ...interface{}) { std.emit(DEBUG, msg, kv) }
func Info(msg string, kv ...interface{})  { std.emit(INFO, msg, kv) }
func Warn(msg string, kv ...interface{})  { std.emit(WARN, msg, kv) }
func Error(msg string, kv ...interface{}) { std.emit(ERROR, msg, kv) }

func (l *Logger) emit(level Level, msg string, kv []interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]string{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		val := fmt.Sprintf("%v", kv[i+1])
		if l.redactPII {
			val = redact(key, val)
		}
		entry[key] = val
	}

	line, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(line))
	l.mu.Unlock()
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

func redact(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "recipient") || strings.Contains(k, "sender") {
		return RedactEmail(val)
	}
	if strings.Contains(k, "phone") {
		return RedactPhone(val)
	}
	// Addresses buried in free-form fields get masked too.
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks the local part: "john.doe@example.com" becomes
// "jo***@example.com". Local parts of two characters or fewer are
// masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

// RedactPhone keeps the last four digits: "+1 555 867 5309" becomes
// "***5309".
func RedactPhone(phone string) string {
	if !phonePattern.MatchString(phone) {
		return phone
	}
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return "***"
	}
	return "***" + string(digits[len(digits)-4:])
}
