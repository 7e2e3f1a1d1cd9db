// Package buffer enforces strict in-order application of events per entity
// despite network and broker reordering.
//
// Events arrive tagged with (entityID, sequenceNumber). Out-of-order
// arrivals are held in a per-entity pending queue and released to the
// processing callback strictly in ascending sequence order. Two heuristics
// trade strictness for liveness on sequence gaps: a cold-start exception
// (missing sequence 1 on a fresh entity) and a configurable large-gap
// threshold. Both are surfaced through a warning log and a distinguishable
// metric whenever a forced, non-strict release occurs.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
	"github.com/randalmurphal/sequent/pkg/sequent/event"
	"github.com/randalmurphal/sequent/pkg/sequent/observability"
)

// Handler is the processing callback applying an event to business logic.
// It must signal success or failure unambiguously; idempotency is preferred
// but not required. The handler must not re-enter the buffer for the same
// entity, as the per-entity drain lock is held during the call.
type Handler func(ctx context.Context, evt *event.Event) error

// WatermarkStore optionally persists per-entity watermarks so an evicted
// entity buffer can be rebuilt without reprocessing late duplicates.
// sequence.Watermarks provides an implementation backed by the counter
// store.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, entityID string) (uint64, error)
	SaveWatermark(ctx context.Context, entityID string, seq uint64) error
}

// Config configures the ordered buffer.
type Config struct {
	// GapThreshold is the largest sequence gap the buffer waits on.
	// Gaps strictly larger force immediate release. Default: 5.
	GapThreshold int

	// NoColdStartException disables the cold-start heuristic. By default
	// a fresh entity (watermark 0) whose head is sequence 2 is released
	// immediately, treating the missing sequence 1 as a cold-start race.
	NoColdStartException bool

	// IdleTimeout is how long an empty entity buffer is retained before
	// eviction. Eviction discards the in-memory watermark. Default: 10m.
	IdleTimeout time.Duration

	// EvictInterval is how often idle buffers are scanned. Default: 1m.
	EvictInterval time.Duration

	// MaxEntities bounds the entity map. Default: 10000.
	MaxEntities int

	// Logger receives forced-release warnings and eviction logs. Optional.
	Logger *slog.Logger

	// Metrics records admits, releases, duplicates, and evictions.
	// Defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Watermarks optionally persists watermarks across evictions.
	Watermarks WatermarkStore

	// OnForcedRelease is called after any non-strict release. Optional.
	OnForcedRelease func(entityID string, watermark, released uint64, reason string)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	GapThreshold:  5,
	IdleTimeout:   10 * time.Minute,
	EvictInterval: time.Minute,
	MaxEntities:   10000,
}

// Sentinel errors for buffer operations.
var (
	// ErrClosed indicates the buffer has been closed.
	ErrClosed = errors.New("ordered buffer closed")

	// ErrFull indicates the entity map is at capacity.
	ErrFull = errors.New("ordered buffer at entity capacity")
)

// Buffer is the ordered event buffer. One instance owns the entity map;
// there is no ambient module state.
type Buffer struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	entities map[string]*entityBuffer
	closed   bool

	stopCh   chan struct{}
	stopOnce sync.Once

	admitted   atomic.Int64
	released   atomic.Int64
	forced     atomic.Int64
	duplicates atomic.Int64
	evicted    atomic.Int64
}

// entityBuffer is the per-entity pending queue and watermark.
type entityBuffer struct {
	mu            sync.Mutex
	entityID      string
	pending       []*event.Event // sorted ascending by sequence number
	lastProcessed uint64
	lastActivity  time.Time
	restore       bool // load durable watermark before first drain
	evicted       bool // removed from the entity map; do not use
}

// New creates an ordered buffer that releases events to handler.
func New(handler Handler, cfg Config) (*Buffer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = DefaultConfig.GapThreshold
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultConfig.EvictInterval
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = DefaultConfig.MaxEntities
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	b := &Buffer{
		cfg:      cfg,
		handler:  handler,
		entities: make(map[string]*entityBuffer),
		stopCh:   make(chan struct{}),
	}
	go b.janitor()
	return b, nil
}

// Admit accepts an event for ordered release. It drains the entity's
// pending queue synchronously: the processing callback for every releasable
// event has returned by the time Admit returns. Admits for different
// entities proceed fully concurrently; admits for the same entity are
// serialized by a per-entity lock.
func (b *Buffer) Admit(ctx context.Context, evt *event.Event) error {
	if evt == nil || evt.EntityID == "" {
		return &seqerrors.InvalidArgumentError{Field: "entityID", Reason: "must be non-empty"}
	}
	if evt.SequenceNumber == 0 {
		return &seqerrors.InvalidArgumentError{Field: "sequenceNumber", Reason: "must be positive"}
	}

	eb, err := b.lockEntity(evt.EntityID)
	if err != nil {
		return err
	}
	defer eb.mu.Unlock()

	if eb.restore {
		eb.restore = false
		if wm, err := b.cfg.Watermarks.LoadWatermark(ctx, eb.entityID); err == nil {
			eb.lastProcessed = wm
		} else {
			b.logWarn("watermark restore failed", evt.EntityID, err)
		}
	}

	eb.lastActivity = time.Now()
	b.admitted.Add(1)
	b.cfg.Metrics.RecordAdmit(ctx, evt.EntityType)

	eb.insert(evt, b)
	b.drain(ctx, eb)
	return nil
}

// Kick re-runs the drain loop for an entity, retrying a previously failed
// head event without requiring a new admit.
func (b *Buffer) Kick(ctx context.Context, entityID string) {
	b.mu.Lock()
	eb, ok := b.entities[entityID]
	b.mu.Unlock()
	if !ok {
		return
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.evicted {
		return
	}
	eb.lastActivity = time.Now()
	b.drain(ctx, eb)
}

// lockEntity returns the entity's buffer with its lock held. The janitor
// can win the race between the map lookup and the lock; an entry marked
// evicted under its own lock is abandoned and the lookup retried, so an
// admit never drains through a buffer the map no longer references.
func (b *Buffer) lockEntity(entityID string) (*entityBuffer, error) {
	for {
		eb, err := b.entity(entityID)
		if err != nil {
			return nil, err
		}
		eb.mu.Lock()
		if !eb.evicted {
			return eb, nil
		}
		eb.mu.Unlock()
	}
}

// entity locates or creates the per-entity buffer.
func (b *Buffer) entity(entityID string) (*entityBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	eb, ok := b.entities[entityID]
	if !ok {
		if len(b.entities) >= b.cfg.MaxEntities {
			return nil, ErrFull
		}
		eb = &entityBuffer{
			entityID:     entityID,
			lastActivity: time.Now(),
			restore:      b.cfg.Watermarks != nil,
		}
		b.entities[entityID] = eb
	}
	return eb, nil
}

// insert adds evt to the pending queue, keeping it sorted ascending.
// A pending duplicate of the same sequence number is dropped.
func (eb *entityBuffer) insert(evt *event.Event, b *Buffer) {
	i := sort.Search(len(eb.pending), func(i int) bool {
		return eb.pending[i].SequenceNumber >= evt.SequenceNumber
	})
	if i < len(eb.pending) && eb.pending[i].SequenceNumber == evt.SequenceNumber {
		b.duplicates.Add(1)
		b.cfg.Metrics.RecordDuplicate(context.Background(), evt.EntityType)
		return
	}
	eb.pending = append(eb.pending, nil)
	copy(eb.pending[i+1:], eb.pending[i:])
	eb.pending[i] = evt
}

// drain releases pending events in order. Must be called with eb.mu held.
func (b *Buffer) drain(ctx context.Context, eb *entityBuffer) {
	for len(eb.pending) > 0 {
		head := eb.pending[0]

		// Duplicate or stale: already applied, discard silently.
		if head.SequenceNumber <= eb.lastProcessed {
			eb.pending = eb.pending[1:]
			b.duplicates.Add(1)
			b.cfg.Metrics.RecordDuplicate(ctx, head.EntityType)
			continue
		}

		forced := false
		reason := ""
		if head.SequenceNumber != eb.lastProcessed+1 {
			gap := head.SequenceNumber - eb.lastProcessed - 1
			switch {
			case eb.lastProcessed == 0 && gap == 1 && !b.cfg.NoColdStartException:
				// Missing sequence 1 on a fresh entity: a cold-start
				// race, not a real gap.
				forced, reason = true, "cold_start"
			case gap > uint64(b.cfg.GapThreshold):
				// A gap this large means contamination or a reset;
				// waiting would block the entity forever.
				forced, reason = true, "gap_exceeded"
			default:
				// Wait for the missing sequence(s) to arrive.
				return
			}
		}

		eb.pending = eb.pending[1:]
		if err := b.handler(ctx, head); err != nil {
			// Back to the front; retried on the next admit or Kick.
			eb.pending = append([]*event.Event{head}, eb.pending...)
			observability.LogProcessingFailure(b.cfg.Logger, eb.entityID, head.SequenceNumber, err)
			return
		}

		watermark := eb.lastProcessed
		head.MarkProcessed()
		eb.lastProcessed = head.SequenceNumber
		b.released.Add(1)
		b.cfg.Metrics.RecordRelease(ctx, head.EntityType, forced)
		if forced {
			b.forced.Add(1)
			observability.LogForcedRelease(b.cfg.Logger, eb.entityID, watermark, head.SequenceNumber, reason)
			if b.cfg.OnForcedRelease != nil {
				b.cfg.OnForcedRelease(eb.entityID, watermark, head.SequenceNumber, reason)
			}
		}

		if b.cfg.Watermarks != nil {
			if err := b.cfg.Watermarks.SaveWatermark(ctx, eb.entityID, eb.lastProcessed); err != nil {
				b.logWarn("watermark save failed", eb.entityID, err)
			}
		}
	}
}

// janitor evicts idle empty entity buffers.
func (b *Buffer) janitor() {
	ticker := time.NewTicker(b.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.evictIdle()
		}
	}
}

// evictIdle removes entity buffers that are empty and past the idle
// timeout. Without a WatermarkStore the watermark is lost, so a late
// duplicate for an evicted entity could be reprocessed.
func (b *Buffer) evictIdle() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, eb := range b.entities {
		eb.mu.Lock()
		idle := len(eb.pending) == 0 && now.Sub(eb.lastActivity) > b.cfg.IdleTimeout
		if idle {
			eb.evicted = true
		}
		watermark := eb.lastProcessed
		lastActivity := eb.lastActivity
		eb.mu.Unlock()

		if idle {
			delete(b.entities, id)
			b.evicted.Add(1)
			b.cfg.Metrics.RecordEviction(context.Background())
			observability.LogEviction(b.cfg.Logger, id, watermark, now.Sub(lastActivity))
		}
	}
}

func (b *Buffer) logWarn(msg, entityID string, err error) {
	if b.cfg.Logger == nil {
		return
	}
	b.cfg.Logger.Warn(msg,
		slog.String("entity_id", entityID),
		slog.String("error", err.Error()),
	)
}

// Close stops the janitor and rejects further admits. Pending events are
// discarded; they are reconstructible from sequence counters upstream.
func (b *Buffer) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
