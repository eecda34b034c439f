package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// NotificationFilterConfig holds the configuration for notification filtering
type NotificationFilterConfig struct {
	// StatusPatterns are regular expressions matched against the deployment
	// status (e.g. ".*failed$"). A status matching any of them is notified.
	StatusPatterns []string
	// ExcludeApps are glob patterns for applications that never notify
	// unless the notification is forced (e.g. "sandbox-*").
	ExcludeApps []string
}

// DefaultStatusPatterns returns the statuses operators are told about by default
func DefaultStatusPatterns() []string {
	return []string{
		".*failed$",
		".*timedout$",
	}
}

// NotificationFilter decides which status changes produce a notification
type NotificationFilter struct {
	patterns    []*regexp.Regexp
	excludeApps []string
}

// NewNotificationFilter compiles the configured patterns
func NewNotificationFilter(config NotificationFilterConfig) (*NotificationFilter, error) {
	f := &NotificationFilter{excludeApps: config.ExcludeApps}
	for _, p := range config.StatusPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid notify pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	for _, p := range config.ExcludeApps {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid app pattern %q: %w", p, err)
		}
	}
	return f, nil
}

// ShouldNotify returns true if a status change of app must be notified.
// Forced notifications bypass every rule.
func (f *NotificationFilter) ShouldNotify(app, status string, forced bool) bool {
	if forced {
		return true
	}

	for _, pattern := range f.excludeApps {
		if matchGlob(pattern, app) {
			return false
		}
	}

	for _, re := range f.patterns {
		if re.MatchString(status) {
			return true
		}
	}
	return false
}

// matchGlob performs a simple glob match (supports * wildcard)
func matchGlob(pattern, s string) bool {
	matched, err := filepath.Match(pattern, s)
	if err != nil {
		return false
	}
	return matched
}
