package txn

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 25 * time.Millisecond
	DefaultTimeout     = 10 * time.Second
)

type settings struct {
	readOnly    bool
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	name        string
}

type Option func(*settings)

func ReadOnly() Option {
	return func(s *settings) { s.readOnly = true }
}

func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Named labels the transaction in traces and logs.
func Named(name string) Option {
	return func(s *settings) { s.name = name }
}

func newSettings(opts []Option) settings {
	s := settings{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		timeout:     DefaultTimeout,
		name:        "txn",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
