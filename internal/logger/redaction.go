package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range []string{
		// API keys
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[a-zA-Z0-9_-]{20,}`,
		// Bearer tokens
		`Bearer\s+[a-zA-Z0-9._-]+`,
		// Passwords
		`password["\s:=]+[^\s"]+`,
		// API key fields
		`api_key["\s:=]+[^\s",}]+`,
		// Generic secrets
		`secret["\s:=]+[^\s"]+`,
	} {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(p), repl: redacted})
	}
	// Credentials embedded in DSNs keep the user: postgres://mg:[REDACTED]@db
	r.rules = append(r.rules, rule{
		re:   regexp.MustCompile(`(://[^:/@\s"]+:)[^@\s"]+@`),
		repl: "${1}" + redacted + "@",
	})
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rl := range r.rules {
		result = rl.re.ReplaceAllString(result, rl.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write returns len(p) on success.
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
