package extractor

import (
	"context"
	"errors"
	"strings"

	"mediagate/internal/domain"
)

// DefaultBlockedMarkers are the substrings that indicate the upstream has
// blocked this egress IP. Deployments can extend the list via config when
// the upstream changes its wording.
var DefaultBlockedMarkers = []string{"403", "forbidden", "ip address is blocked", "blocked"}

// Classifier maps raw engine failures onto typed error kinds the HTTP
// layer can act on.
type Classifier struct {
	blockedMarkers []string
}

func NewClassifier(blockedMarkers []string) *Classifier {
	if len(blockedMarkers) == 0 {
		blockedMarkers = DefaultBlockedMarkers
	}
	markers := make([]string, len(blockedMarkers))
	for i, m := range blockedMarkers {
		markers[i] = strings.ToLower(m)
	}
	return &Classifier{blockedMarkers: markers}
}

// Classify inspects the engine's error output and wraps err with the
// matching kind. Matching order matters: blocked markers are checked
// before the catch-all so a "403: Forbidden" never reads as not-found.
func (c *Classifier) Classify(err error, output string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.ErrTimeout, "extraction timed out", err)
	}

	text := strings.ToLower(output)
	if text == "" {
		text = strings.ToLower(err.Error())
	}

	switch {
	case c.isBlocked(text):
		return domain.NewError(domain.ErrBlocked, "upstream blocked this egress address", err)
	case strings.Contains(text, "login") || strings.Contains(text, "authentication"):
		return domain.NewError(domain.ErrAuthRequired, "this content requires login/authentication", err)
	case strings.Contains(text, "private") || strings.Contains(text, "region") || strings.Contains(text, "geo-restricted"):
		return domain.NewError(domain.ErrRestricted, "this content is restricted", err)
	case strings.Contains(text, "unsupported url"):
		return domain.NewError(domain.ErrInvalidInput, "unsupported or invalid URL", err)
	case strings.Contains(text, "not found") || strings.Contains(text, "unable to download"):
		return domain.NewError(domain.ErrNotFound, "content not found", err)
	case strings.Contains(text, "timed out") || strings.Contains(text, "timeout"):
		return domain.NewError(domain.ErrTimeout, "extraction timed out", err)
	default:
		return domain.NewError(domain.ErrUpstreamFailure, "extraction failed", err)
	}
}

func (c *Classifier) isBlocked(text string) bool {
	for _, marker := range c.blockedMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
