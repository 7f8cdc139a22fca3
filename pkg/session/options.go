package session

import (
	"time"

	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
)

type Option func(*Controller)

func WithSessionID(id string) Option {
	return func(c *Controller) {
		c.sessionID = id
	}
}

func WithTitleUpdater(u TitleUpdater) Option {
	return func(c *Controller) {
		if u != nil {
			c.titles = u
		}
	}
}

func WithSessionsNotifier(n SessionsNotifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.sessions = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithPreferences(p Preferences) Option {
	return func(c *Controller) {
		if p != nil {
			c.prefs = p
		}
	}
}

// WithTimelineStore caches every successful hydration locally.
func WithTimelineStore(s chatstore.TimelineStore) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithRehydrateDelay sets how long to wait before reloading a session the
// backend reports as still running.
func WithRehydrateDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.rehydrateDelay = d
		}
	}
}

func WithPublisher(p ChangePublisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}
