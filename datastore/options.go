package datastore

import (
	"strings"
	"time"

	"github.com/kjk/datastore/log"
	"github.com/kjk/datastore/peersync"
)

const (
	DefaultSuffix      = ".json"
	DefaultReloadDelay = 500 * time.Millisecond
)

// Logger is where stores and the registry log
type Logger interface {
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
	Event(name string, vals ...any)
}

type packageLogger struct{}

func (packageLogger) Logf(format string, args ...any) {
	log.Logf(format, args...)
}

func (packageLogger) Errorf(format string, args ...any) {
	log.Errorf(format, args...)
}

func (packageLogger) Event(name string, vals ...any) {
	log.Event(name, vals...)
}

// DefaultLogger logs with package log
var DefaultLogger Logger = packageLogger{}

type config struct {
	suffix      string
	arrayShape  bool
	sender      peersync.Sender
	logger      Logger
	reloadDelay time.Duration
}

type Option func(*config)

func newConfig(opts []Option) *config {
	c := &config{
		suffix:      DefaultSuffix,
		logger:      DefaultLogger,
		reloadDelay: DefaultReloadDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithSuffix sets the file suffix of documents, default is ".json"
func WithSuffix(suffix string) Option {
	return func(c *config) {
		c.suffix = strings.ToLower(suffix)
	}
}

// WithArrayShape declares that every document is a top-level array
func WithArrayShape() Option {
	return func(c *config) {
		c.arrayShape = true
	}
}

// WithAuthoritative makes the store push its content to peers with sender
// after every reload
func WithAuthoritative(sender peersync.Sender) Option {
	return func(c *config) {
		c.sender = sender
	}
}

func WithLogger(logger Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReloadDelay sets how long Registry.ScheduleReload waits for more
// reload requests before reloading
func WithReloadDelay(d time.Duration) Option {
	return func(c *config) {
		c.reloadDelay = d
	}
}
