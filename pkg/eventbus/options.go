package eventbus

import (
	"time"

	"go.uber.org/zap"
)

// DefaultPrefix marks a method as an event handler.
const DefaultPrefix = "On"

type Option func(*Bus)

func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithPrefix replaces DefaultPrefix. The prefix must keep handler names
// exported, so it should start with an upper-case letter.
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithHook adds fn to the functions told about every finished publish.
func WithHook(fn func(Dispatch)) Option {
	return func(b *Bus) {
		if fn != nil {
			b.hooks = append(b.hooks, fn)
		}
	}
}

// Dispatch describes one Publish call.
type Dispatch struct {
	ID         string
	Event      string
	Args       int
	Deliveries int
	Err        error
	Started    time.Time
	Took       time.Duration
}
