package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// EventData is the payload of push, pull, resync and evicted messages.
type EventData struct {
	Kind   deltasync.EventKind `json:"kind"`
	Local  schema.RepoPk       `json:"local"`
	Remote schema.RepoPk       `json:"remote,omitempty"`

	Count   int `json:"count"`
	Deleted int `json:"deleted,omitempty"`

	DeleteTally int64 `json:"delete_tally,omitempty"`
	DeleteCount int64 `json:"delete_count,omitempty"`
	Watermark   int64 `json:"watermark,omitempty"`
}

// StatsData holds running totals since the handler was created.
type StatsData struct {
	Pushed  int `json:"pushed"`
	Pulled  int `json:"pulled"`
	Deleted int `json:"deleted"`
	Evicted int `json:"evicted"`

	ResyncsStarted   int `json:"resyncs_started"`
	ResyncsCompleted int `json:"resyncs_completed"`
	Purged           int `json:"purged"`

	// Resyncing lists the repos with a resync in flight.
	Resyncing []schema.RepoPk `json:"resyncing,omitempty"`
}

// StatsSource is a repo whose snapshot can be published.
type StatsSource interface {
	Read(ctx context.Context, fn func(ctx context.Context) error) error
	Stats(ctx context.Context) (deltasync.Stats, error)
}

// Handler turns sync events into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu        sync.Mutex
	stats     StatsData
	resyncing map[schema.RepoPk]bool
}

var _ deltasync.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. The server's
// welcome message becomes the current totals.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server:    server,
		logger:    logger,
		resyncing: make(map[schema.RepoPk]bool),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Observe records e and broadcasts it followed by the updated totals.
// It runs inside sync operations, so it only touches in-memory state.
func (h *Handler) Observe(e deltasync.Event) {
	var typ MessageType

	h.mu.Lock()
	switch e.Kind {
	case deltasync.EventPushed:
		typ = MessageTypePush
		h.stats.Pushed += e.Count
	case deltasync.EventPulled:
		typ = MessageTypePull
		h.stats.Pulled += e.Count
		h.stats.Deleted += e.Deleted
	case deltasync.EventResyncStarted:
		typ = MessageTypeResync
		h.stats.ResyncsStarted++
		h.resyncing[e.Local] = true
	case deltasync.EventResyncRestarted:
		typ = MessageTypeResync
	case deltasync.EventResyncCompleted:
		typ = MessageTypeResync
		h.stats.ResyncsCompleted++
		h.stats.Purged += e.Count
		delete(h.resyncing, e.Local)
	case deltasync.EventEvicted:
		typ = MessageTypeEvicted
		h.stats.Evicted += e.Count
	default:
		h.mu.Unlock()
		h.logger.Printf("Ignoring unknown event %q", e.Kind)
		return
	}
	h.mu.Unlock()

	if typ == MessageTypeResync {
		h.logger.Printf("%s: %s against %s", e.Local, e.Kind, e.Remote)
	}

	data, err := json.Marshal(EventData{
		Kind:        e.Kind,
		Local:       e.Local,
		Remote:      e.Remote,
		Count:       e.Count,
		Deleted:     e.Deleted,
		DeleteTally: e.DeleteTally,
		DeleteCount: e.DeleteCount,
		Watermark:   e.Watermark,
	})
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}

	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
	h.server.Broadcast(h.statsMessage())
}

// Publish broadcasts a snapshot of each repo. It takes each repo's read
// scope, so it must not be called from inside a sync operation.
func (h *Handler) Publish(ctx context.Context, repos ...StatsSource) error {
	for _, repo := range repos {
		var st deltasync.Stats
		err := repo.Read(ctx, func(ctx context.Context) error {
			var err error
			st, err = repo.Stats(ctx)
			return err
		})
		if err != nil {
			return err
		}

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		h.server.Broadcast(Message{Type: MessageTypeRepo, Timestamp: time.Now(), Data: data})
	}
	return nil
}

// GetStats returns the current totals.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Handler) snapshot() StatsData {
	out := h.stats
	out.Resyncing = nil
	for repo := range h.resyncing {
		out.Resyncing = append(out.Resyncing, repo)
	}
	sort.Slice(out.Resyncing, func(i, j int) bool { return out.Resyncing[i] < out.Resyncing[j] })
	return out
}

func (h *Handler) statsMessage() Message {
	h.mu.Lock()
	stats := h.snapshot()
	h.mu.Unlock()

	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}
