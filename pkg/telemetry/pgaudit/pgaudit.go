// Package pgaudit stores registry call telemetry in PostgreSQL.
package pgaudit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/pkg/telemetry"
)

const defaultBuffer = 256

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit sink closed")

// Execer is the subset of a pgx pool used by the sink.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type Execer interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertCall = `
INSERT INTO api_calls (request_id, operation, collection, method, path, attempt, status, outcome, duration_ms, error, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

// Sink buffers events and writes them from a single background goroutine.
// Events arriving while the buffer is full are dropped and counted.
type Sink struct {
	db      Execer
	log     *zap.Logger
	timeout time.Duration

	ch      chan telemetry.Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ telemetry.Sink = (*Sink)(nil)

// Options tunes the sink.
type Options struct {
	// Buffer is the number of events queued before new events are dropped.
	Buffer int
	// WriteTimeout bounds each insert.
	WriteTimeout time.Duration
}

// New starts a sink writing to db.
func New(db Execer, log *zap.Logger, opts Options) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	s := &Sink{
		db:      db,
		log:     log,
		timeout: opts.WriteTimeout,
		ch:      make(chan telemetry.Event, opts.Buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Open creates a connection pool for dsn.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// Record implements telemetry.Sink. It never blocks.
func (s *Sink) Record(ev telemetry.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.ch {
		if err := s.write(ev); err != nil {
			s.log.Warn("audit insert", zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}
}

func (s *Sink) write(ev telemetry.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var errText *string
	if ev.Err != nil {
		msg := ev.Err.Error()
		errText = &msg
	}
	_, err := s.db.Exec(ctx, insertCall,
		ev.RequestID, ev.Operation, ev.Collection, ev.Method, ev.Path,
		ev.Attempt, ev.Status, string(ev.Outcome), ev.Duration.Milliseconds(), errText, ev.Start.UTC(),
	)
	return err
}

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
