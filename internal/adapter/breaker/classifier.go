package breaker

import (
	"strings"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
)

// Classifier applies spec's message/status-code classification table,
// extended with operator-configurable pattern lists from config so a
// deployment can teach the breaker about a backend's own error wording
// without a code change.
type Classifier struct {
	cfg config.ErrorPatternsConfig
}

func NewClassifier(cfg config.ErrorPatternsConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// ClassifyMessage checks operator-supplied patterns first, then falls back
// to the built-in table. Configured patterns are coarse: they bucket into
// a representative kind for their category rather than a specific one,
// since the config surface only carries pattern strings, not kinds.
func (c *Classifier) ClassifyMessage(message string) domain.ErrorKind {
	lower := strings.ToLower(message)
	for _, p := range c.cfg.NonRetryable {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return domain.ErrorKindFatalModelError
		}
	}
	for _, p := range c.cfg.Transient {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return domain.ErrorKindTimeout
		}
	}
	if kind, ok := domain.ClassifyMessage(message); ok {
		return kind
	}
	return domain.ErrorKindNone
}

func (c *Classifier) ClassifyStatusCode(status int) domain.ErrorKind {
	return domain.ClassifyStatusCode(status)
}

// Classify resolves a kind from the response body first, falling back to
// the status code when the message doesn't match any known pattern.
func (c *Classifier) Classify(statusCode int, message string) domain.ErrorKind {
	if kind := c.ClassifyMessage(message); kind != domain.ErrorKindNone {
		return kind
	}
	return c.ClassifyStatusCode(statusCode)
}
