package sequent

import (
	"context"
	"sync"
)

// Emitter is the broker sink a Publisher emits wire envelopes to. The
// rabbitmq subpackage provides an AMQP implementation; MemoryEmitter
// serves tests and single-process wiring.
//
// Emit failures should be typed with the error taxonomy so the retry
// executor can tell transient broker trouble from permanent rejection.
type Emitter interface {
	Emit(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
}

// Emission is one recorded Emit call.
type Emission struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// MemoryEmitter records emissions in memory. Failures can be injected to
// exercise retry paths.
type MemoryEmitter struct {
	mu        sync.Mutex
	emissions []Emission
	failures  int
	failErr   error
}

// NewMemoryEmitter creates an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// FailNext makes the next n Emit calls return err.
func (m *MemoryEmitter) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// Emit records the emission, or returns the injected failure.
func (m *MemoryEmitter) Emit(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return m.failErr
	}

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	headersCopy := make(map[string]string, len(headers))
	for k, v := range headers {
		headersCopy[k] = v
	}
	m.emissions = append(m.emissions, Emission{
		RoutingKey: routingKey,
		Body:       bodyCopy,
		Headers:    headersCopy,
	})
	return nil
}

// Emissions returns a snapshot of everything emitted so far.
func (m *MemoryEmitter) Emissions() []Emission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Emission, len(m.emissions))
	copy(out, m.emissions)
	return out
}

// Len returns the number of recorded emissions.
func (m *MemoryEmitter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.emissions)
}
