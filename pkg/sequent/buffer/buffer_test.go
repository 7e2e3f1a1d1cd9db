package buffer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
	"github.com/randalmurphal/sequent/pkg/sequent/event"
)

// recordingHandler collects released events in order and can be told to
// fail for specific sequence numbers.
type recordingHandler struct {
	mu       sync.Mutex
	released []string // "entityID:seq"
	failSeqs map[uint64]error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failSeqs: make(map[uint64]error)}
}

func (h *recordingHandler) handle(ctx context.Context, evt *event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failSeqs[evt.SequenceNumber]; ok {
		return err
	}
	h.released = append(h.released, fmt.Sprintf("%s:%d", evt.EntityID, evt.SequenceNumber))
	return nil
}

func (h *recordingHandler) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.released))
	copy(out, h.released)
	return out
}

func (h *recordingHandler) failOn(seq uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failSeqs[seq] = err
}

func (h *recordingHandler) clearFailure(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failSeqs, seq)
}

func testEvent(t *testing.T, entityID string, seq uint64) *event.Event {
	t.Helper()
	evt, err := event.New(entityID, "order", "order.updated", seq, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return evt
}

func newTestBuffer(t *testing.T, cfg Config) (*Buffer, *recordingHandler) {
	t.Helper()
	h := newRecordingHandler()
	b, err := New(h.handle, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, h
}

func admit(t *testing.T, b *Buffer, entityID string, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		if err := b.Admit(context.Background(), testEvent(t, entityID, seq)); err != nil {
			t.Fatalf("Admit(%s, %d) error = %v", entityID, seq, err)
		}
	}
}

func assertOrder(t *testing.T, h *recordingHandler, want ...string) {
	t.Helper()
	got := h.order()
	if len(got) != len(want) {
		t.Fatalf("released %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("released %v, want %v", got, want)
		}
	}
}

func TestAdmitInOrder(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	admit(t, b, "order-1", 1, 2, 3)
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3")
}

func TestAdmitReordersArrivals(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	// Arrival order 3, 1, 2: 3 is buffered, 1 releases alone, then 2
	// releases and drags 3 out with it.
	admit(t, b, "order-1", 3)
	assertOrder(t, h)

	admit(t, b, "order-1", 1)
	assertOrder(t, h, "order-1:1")

	admit(t, b, "order-1", 2)
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3")
}

func TestDuplicateSuppressed(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	admit(t, b, "order-1", 1, 1)
	assertOrder(t, h, "order-1:1")

	stats := b.Stats()
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestStaleDuplicateAfterWatermark(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	admit(t, b, "order-1", 1, 2, 3)
	// Late redelivery of an already-applied sequence.
	admit(t, b, "order-1", 2)
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3")
}

func TestEntitiesIndependent(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	// order-2 waits on its sequence 1; order-1 keeps flowing.
	admit(t, b, "order-2", 3)
	admit(t, b, "order-1", 1, 2)
	assertOrder(t, h, "order-1:1", "order-1:2")

	if st, ok := b.Status("order-2"); !ok || st.PendingCount != 1 {
		t.Errorf("order-2 status = %+v, ok = %v; want 1 pending", st, ok)
	}
}

func TestSmallGapWaits(t *testing.T) {
	b, h := newTestBuffer(t, Config{GapThreshold: 5})

	// Watermark 0 with head 5 is a gap of 4: inside the threshold, and
	// too far past sequence 2 for the cold-start exception. It waits.
	admit(t, b, "order-1", 5)
	assertOrder(t, h)

	st, ok := b.Status("order-1")
	if !ok {
		t.Fatal("entity should exist")
	}
	if st.PendingCount != 1 || st.NextPending != 5 {
		t.Errorf("status = %+v, want head 5 pending", st)
	}
}

func TestColdStartException(t *testing.T) {
	var forcedReason string
	b, h := newTestBuffer(t, Config{
		OnForcedRelease: func(entityID string, watermark, released uint64, reason string) {
			forcedReason = reason
		},
	})

	// Fresh entity, head is sequence 2: released immediately.
	admit(t, b, "order-1", 2)
	assertOrder(t, h, "order-1:2")

	if forcedReason != "cold_start" {
		t.Errorf("forced reason = %q, want cold_start", forcedReason)
	}
	if stats := b.Stats(); stats.Forced != 1 {
		t.Errorf("Forced = %d, want 1", stats.Forced)
	}

	// And the watermark advanced past the hole.
	admit(t, b, "order-1", 3)
	assertOrder(t, h, "order-1:2", "order-1:3")
}

func TestColdStartExceptionDisabled(t *testing.T) {
	b, h := newTestBuffer(t, Config{NoColdStartException: true})

	admit(t, b, "order-1", 2)
	assertOrder(t, h)
}

func TestColdStartOnlyAtFreshWatermark(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	admit(t, b, "order-1", 1)
	// Gap of 1 at a non-zero watermark is a normal small gap: wait.
	admit(t, b, "order-1", 3)
	assertOrder(t, h, "order-1:1")
}

func TestLargeGapForcesRelease(t *testing.T) {
	var forced []string
	b, h := newTestBuffer(t, Config{
		GapThreshold: 5,
		OnForcedRelease: func(entityID string, watermark, released uint64, reason string) {
			forced = append(forced, fmt.Sprintf("%d->%d:%s", watermark, released, reason))
		},
	})

	admit(t, b, "order-1", 1)
	// Gap of 8 exceeds the threshold: release immediately, warn.
	admit(t, b, "order-1", 10)
	assertOrder(t, h, "order-1:1", "order-1:10")

	if len(forced) != 1 || forced[0] != "1->10:gap_exceeded" {
		t.Errorf("forced callbacks = %v", forced)
	}
}

func TestGapBoundaryExactThresholdWaits(t *testing.T) {
	b, h := newTestBuffer(t, Config{GapThreshold: 5})

	admit(t, b, "order-1", 1)
	// Gap of exactly 5 is still within the threshold.
	admit(t, b, "order-1", 7)
	assertOrder(t, h, "order-1:1")

	// One more makes the gap 6: forced.
	admit(t, b, "order-1", 8)
	assertOrder(t, h, "order-1:1", "order-1:7", "order-1:8")
}

func TestHandlerFailureRequeuesHead(t *testing.T) {
	b, h := newTestBuffer(t, Config{})
	h.failOn(2, errors.New("db unavailable"))

	admit(t, b, "order-1", 1, 2, 3)
	assertOrder(t, h, "order-1:1")

	st, _ := b.Status("order-1")
	if st.Watermark != 1 || st.PendingCount != 2 || st.NextPending != 2 {
		t.Fatalf("status after failure = %+v", st)
	}

	// Once the failure clears, Kick retries the head and drains the rest.
	h.clearFailure(2)
	b.Kick(context.Background(), "order-1")
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3")
}

func TestConcurrentEntities(t *testing.T) {
	b, h := newTestBuffer(t, Config{})

	const entities = 20
	const perEntity = 25

	var wg sync.WaitGroup
	for e := 0; e < entities; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			id := fmt.Sprintf("order-%d", e)
			for seq := uint64(1); seq <= perEntity; seq++ {
				if err := b.Admit(context.Background(), testEvent(t, id, seq)); err != nil {
					t.Errorf("Admit(%s, %d) error = %v", id, seq, err)
					return
				}
			}
		}(e)
	}
	wg.Wait()

	// Every entity saw its full run, each in strictly ascending order.
	lastSeq := make(map[string]uint64)
	for _, rel := range h.order() {
		entity, seqStr, ok := strings.Cut(rel, ":")
		if !ok {
			t.Fatalf("unparseable release %q", rel)
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			t.Fatalf("unparseable release %q: %v", rel, err)
		}
		if seq != lastSeq[entity]+1 {
			t.Fatalf("entity %s released %d after %d", entity, seq, lastSeq[entity])
		}
		lastSeq[entity] = seq
	}
	if got := len(h.order()); got != entities*perEntity {
		t.Fatalf("released %d events, want %d", got, entities*perEntity)
	}
}

func TestAdmitValidation(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})

	tests := []struct {
		name string
		evt  *event.Event
	}{
		{"nil event", nil},
		{"empty entity", &event.Event{SequenceNumber: 1}},
		{"zero sequence", &event.Event{EntityID: "order-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Admit(context.Background(), tt.evt)
			if !seqerrors.IsInvalidArgument(err) {
				t.Errorf("Admit() error = %v, want InvalidArgumentError", err)
			}
		})
	}
}

func TestAdmitAfterClose(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})
	b.Close()

	err := b.Admit(context.Background(), testEvent(t, "order-1", 1))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Admit() after Close error = %v, want ErrClosed", err)
	}
}

func TestMaxEntities(t *testing.T) {
	b, _ := newTestBuffer(t, Config{MaxEntities: 2})

	admit(t, b, "order-1", 1)
	admit(t, b, "order-2", 1)

	err := b.Admit(context.Background(), testEvent(t, "order-3", 1))
	if !errors.Is(err, ErrFull) {
		t.Errorf("Admit() at capacity error = %v, want ErrFull", err)
	}

	// Existing entities are unaffected.
	admit(t, b, "order-1", 2)
}

func TestIdleEviction(t *testing.T) {
	b, _ := newTestBuffer(t, Config{
		IdleTimeout:   20 * time.Millisecond,
		EvictInterval: 10 * time.Millisecond,
	})

	admit(t, b, "order-1", 1)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := b.Status("order-1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("entity was not evicted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if stats := b.Stats(); stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
}

func TestEvictionSkipsPending(t *testing.T) {
	b, _ := newTestBuffer(t, Config{
		IdleTimeout:   10 * time.Millisecond,
		EvictInterval: 5 * time.Millisecond,
	})

	// Sequence 4 waits on a gap, so the buffer is non-empty and must
	// survive the idle sweep.
	admit(t, b, "order-1", 1)
	admit(t, b, "order-1", 4)

	time.Sleep(50 * time.Millisecond)
	if _, ok := b.Status("order-1"); !ok {
		t.Error("entity with pending events should not be evicted")
	}
}

func TestLockEntitySkipsEvictedEntry(t *testing.T) {
	b, _ := newTestBuffer(t, Config{
		IdleTimeout:   time.Millisecond,
		EvictInterval: time.Hour,
	})

	// A concurrent admit looks the entry up first, then the idle sweep
	// removes it before the per-entity lock is taken.
	stale, err := b.entity("order-1")
	if err != nil {
		t.Fatalf("entity() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	b.evictIdle()

	stale.mu.Lock()
	marked := stale.evicted
	stale.mu.Unlock()
	if !marked {
		t.Fatal("idle sweep should mark the removed entry")
	}

	// The admit path must abandon the removed entry and get a fresh one;
	// draining through the orphan would advance a watermark no later
	// admit can see.
	fresh, err := b.lockEntity("order-1")
	if err != nil {
		t.Fatalf("lockEntity() error = %v", err)
	}
	defer fresh.mu.Unlock()
	if fresh == stale {
		t.Fatal("admit path reused an entry the idle sweep had removed")
	}
}

// memoryWatermarks is a WatermarkStore backed by a map.
type memoryWatermarks struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (w *memoryWatermarks) LoadWatermark(ctx context.Context, entityID string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m[entityID], nil
}

func (w *memoryWatermarks) SaveWatermark(ctx context.Context, entityID string, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[entityID] = seq
	return nil
}

func TestWatermarkSurvivesClear(t *testing.T) {
	wm := &memoryWatermarks{m: make(map[string]uint64)}
	b, h := newTestBuffer(t, Config{Watermarks: wm})

	admit(t, b, "order-1", 1, 2, 3)
	if !b.Clear("order-1") {
		t.Fatal("Clear() = false, want true")
	}

	// The entity buffer is rebuilt from the durable watermark, so the
	// redelivered sequence 2 stays suppressed instead of reprocessing.
	admit(t, b, "order-1", 2)
	admit(t, b, "order-1", 4)
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3", "order-1:4")
}

func TestWatermarkSurvivesIdleEviction(t *testing.T) {
	wm := &memoryWatermarks{m: make(map[string]uint64)}
	b, h := newTestBuffer(t, Config{
		IdleTimeout:   time.Millisecond,
		EvictInterval: time.Hour,
		Watermarks:    wm,
	})

	admit(t, b, "order-1", 1, 2, 3)
	time.Sleep(5 * time.Millisecond)
	b.evictIdle()

	// Redelivery after eviction rebuilds the entity from the durable
	// watermark: the stale sequence stays suppressed.
	admit(t, b, "order-1", 2)
	admit(t, b, "order-1", 4)
	assertOrder(t, h, "order-1:1", "order-1:2", "order-1:3", "order-1:4")
}

func TestClearUnknownEntity(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})
	if b.Clear("missing") {
		t.Error("Clear() on unknown entity = true, want false")
	}
}

func TestStats(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})

	admit(t, b, "order-1", 1, 2)
	admit(t, b, "order-2", 5) // waits on gap

	stats := b.Stats()
	if stats.Entities != 2 {
		t.Errorf("Entities = %d, want 2", stats.Entities)
	}
	if stats.Admitted != 3 {
		t.Errorf("Admitted = %d, want 3", stats.Admitted)
	}
	if stats.Released != 2 {
		t.Errorf("Released = %d, want 2", stats.Released)
	}
	if stats.TotalPending != 1 {
		t.Errorf("TotalPending = %d, want 1", stats.TotalPending)
	}
}

func TestStatusUnknownEntity(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})
	if _, ok := b.Status("missing"); ok {
		t.Error("Status() on unknown entity = true, want false")
	}
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("New(nil) should error")
	}
}
