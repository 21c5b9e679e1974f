package sync

import (
	"log"
	"os"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Config holds the tunables shared by coordinators, pullers and pushers.
type Config struct {
	// BatchSize is the page size for pull and push.
	BatchSize int

	// MaxRetainedTombstones bounds the deleted rows a master keeps.
	// Zero fields fall back to DefaultConfig.
	MaxRetainedTombstones int

	// Logger for sync activity
	Logger *log.Logger

	// Observer receives sync events. May be nil.
	Observer Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:             100,
		MaxRetainedTombstones: 1000,
		Logger:                log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.BatchSize > 0 {
		out.BatchSize = c.BatchSize
	}
	if c.MaxRetainedTombstones > 0 {
		out.MaxRetainedTombstones = c.MaxRetainedTombstones
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	out.Observer = c.Observer
	return out
}

func (c *Config) emit(e Event) {
	if c.Observer != nil {
		c.Observer.Observe(e)
	}
}

// EventKind names a sync event.
type EventKind string

const (
	EventPushed          EventKind = "pushed"
	EventPulled          EventKind = "pulled"
	EventResyncStarted   EventKind = "resync_started"
	EventResyncRestarted EventKind = "resync_restarted"
	EventResyncCompleted EventKind = "resync_completed"
	EventEvicted         EventKind = "evicted"
)

// Event describes one step of the protocol.
type Event struct {
	Kind   EventKind
	Local  schema.RepoPk
	Remote schema.RepoPk

	// Count is the number of items pushed, pulled, purged or evicted.
	Count int

	// Deleted is the number of tombstones applied by a pull.
	Deleted int

	DeleteTally int64
	DeleteCount int64
	Watermark   int64
}

// Observer receives sync events.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
