package consumer

import (
	"context"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTransientPatterns match the errors worth redelivering.
var DefaultTransientPatterns = []string{"timeout", "connection", "temporary", "deadlock"}

// Classifier reports whether an error from a handler is transient for the
// given command type.
type Classifier func(commandName string, err error) bool

// NewClassifier builds the pattern-matching classifier. Handlers can force a
// permanent outcome by wrapping the error with backoff.Permanent; overrides
// replace the classifier for specific command types.
func NewClassifier(patterns []string, overrides map[string]Classifier) Classifier {
	if len(patterns) == 0 {
		patterns = DefaultTransientPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}

	return func(commandName string, err error) bool {
		if err == nil {
			return false
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if override, ok := overrides[commandName]; ok {
			return override(commandName, err)
		}
		msg := strings.ToLower(err.Error())
		for _, p := range lowered {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}
