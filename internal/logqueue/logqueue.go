// Package logqueue serializes concurrent log appends to a run.
//
// Run logs are persisted as a single serialized column, so a naive
// read-modify-write from multiple goroutines loses entries. Each run gets
// at most one appender goroutine that owns the right to update the column:
// producers hand entries to an ordered in-memory queue, the appender drains
// them in batches, rewrites the column once per batch, and emits a log
// broadcast event per entry. An appender idle past a grace period exits;
// the next append starts a fresh one.
package logqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/domain"
)

// defaultIdleGrace is how long an appender lingers after draining before it
// terminates.
const defaultIdleGrace = 5 * time.Second

// Store is the persistence slice the log queue needs. AppendRunLogs must
// perform the read-modify-write of the serialized log column in one
// transaction; the manager guarantees it is never called concurrently for
// the same run.
type Store interface {
	AppendRunLogs(ctx context.Context, runID uuid.UUID, entries []domain.LogEntry) error
}

// Manager owns the per-run appenders.
type Manager struct {
	store     Store
	bcast     *broadcast.Broadcaster
	idleGrace time.Duration

	mu        sync.Mutex
	appenders map[uuid.UUID]*appender
	closing   bool
	wg        sync.WaitGroup
}

// appender is the single goroutine allowed to write one run's log column.
type appender struct {
	runID   uuid.UUID
	mu      sync.Mutex
	pending []domain.LogEntry
	wake    chan struct{} // buffered(1); signaled on new pending entries
	flushed chan struct{} // closed when the appender exits with nothing pending
}

// New creates a Manager fanning log events out through bcast.
func New(store Store, bcast *broadcast.Broadcaster) *Manager {
	return &Manager{
		store:     store,
		bcast:     bcast,
		idleGrace: defaultIdleGrace,
		appenders: make(map[uuid.UUID]*appender),
	}
}

// SetIdleGrace overrides the appender idle timeout (tests use a short one).
func (m *Manager) SetIdleGrace(d time.Duration) { m.idleGrace = d }

// Append hands a log entry to the run's appender, starting one if needed.
// It never blocks on persistence; the entry is queued in submission order.
func (m *Manager) Append(runID uuid.UUID, level domain.LogLevel, message string) {
	m.AppendEntry(runID, domain.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// AppendEntry queues a fully-formed log entry for the run.
func (m *Manager) AppendEntry(runID uuid.UUID, entry domain.LogEntry) {
	m.mu.Lock()
	a, ok := m.appenders[runID]
	if !ok {
		a = &appender{
			runID:   runID,
			wake:    make(chan struct{}, 1),
			flushed: make(chan struct{}),
		}
		m.appenders[runID] = a
		m.wg.Add(1)
		go m.run(a)
	}
	a.mu.Lock()
	a.pending = append(a.pending, entry)
	a.mu.Unlock()
	m.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Drain flushes every live appender and waits for them to exit, bounded by
// ctx. After Drain returns with nil, no in-flight log writes remain.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, a := range m.appenders {
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain log queues: %w", ctx.Err())
	}
}

// run is the appender loop: drain batches, write once per batch, emit per
// entry, exit after the idle grace with nothing pending.
func (m *Manager) run(a *appender) {
	defer m.wg.Done()

	idle := time.NewTimer(m.idleGrace)
	defer idle.Stop()

	for {
		batch := a.take()
		if len(batch) > 0 {
			m.flush(a.runID, batch)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleGrace)
			continue
		}

		// During shutdown, exit as soon as nothing is pending instead of
		// waiting out the idle grace.
		m.mu.Lock()
		if m.closing {
			a.mu.Lock()
			if len(a.pending) > 0 {
				a.mu.Unlock()
				m.mu.Unlock()
				continue
			}
			delete(m.appenders, a.runID)
			a.mu.Unlock()
			m.mu.Unlock()
			close(a.flushed)
			return
		}
		m.mu.Unlock()

		select {
		case <-a.wake:
		case <-idle.C:
			// Re-check under the manager lock so an append racing the
			// timeout either lands in this appender before removal or
			// starts a fresh one after.
			m.mu.Lock()
			a.mu.Lock()
			if len(a.pending) > 0 {
				a.mu.Unlock()
				m.mu.Unlock()
				idle.Reset(m.idleGrace)
				continue
			}
			delete(m.appenders, a.runID)
			a.mu.Unlock()
			m.mu.Unlock()
			close(a.flushed)
			return
		}
	}
}

// take removes and returns all pending entries in submission order.
func (a *appender) take() []domain.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.pending
	a.pending = nil
	return batch
}

// flush persists a batch and emits a log event per entry. Persistence
// failures are logged to the process logger but do not fail the run.
func (m *Manager) flush(runID uuid.UUID, batch []domain.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.AppendRunLogs(ctx, runID, batch); err != nil {
		slog.Error("logqueue: append failed", "run_id", runID, "entries", len(batch), "error", err)
	}
	for _, entry := range batch {
		m.bcast.Emit(runID, broadcast.Event{Type: broadcast.EventLog, Data: entry})
	}
}
