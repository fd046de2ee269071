package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/atlasconnect/pam/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLedgerStopped is returned by Record once Stop has been called
var ErrLedgerStopped = errors.New("audit ledger stopped")

// Exporter ships committed entries to an external compliance sink
type Exporter interface {
	Export(ctx context.Context, entry *models.AuditEntry) error
	Close() error
}

// Publisher receives committed entries for live subscribers. Publish must not block.
type Publisher interface {
	Publish(entry *models.AuditEntry)
}

// Config holds configuration for the Ledger
type Config struct {
	Workers      int           // number of shards, each with one writer
	MaxRetries   int           // failures before a stuck entry is logged at error level
	RetryBackoff time.Duration // first retry delay, doubled per attempt
	MaxBackoff   time.Duration
	WriteTimeout time.Duration // bound on a single append
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxRetries:   8,
		RetryBackoff: 200 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

type shard struct {
	mu    sync.Mutex
	queue []*models.AuditEntry
	wake  chan struct{}
}

func (s *shard) push(e *models.AuditEntry) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) peek() *models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *shard) pop() {
	s.mu.Lock()
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.mu.Unlock()
}

func (s *shard) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Ledger appends audit entries asynchronously after the store commits.
// Entries are sharded by request (or session) id, so entries of one request
// are written in the order they were recorded. Queues are unbounded: Record
// never blocks and never drops.
type Ledger struct {
	repo      repositories.AuditRepository
	exporter  Exporter
	publisher Publisher
	logger    *zap.Logger
	cfg       Config

	shards []*shard
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping chan struct{}
	stopped  atomic.Bool

	idleMu  sync.Mutex
	pending int64
	idle    chan struct{}

	appended atomic.Int64
	retries  atomic.Int64
	dropped  atomic.Int64
}

// Option customizes a Ledger
type Option func(*Ledger)

// WithExporter forwards committed entries to e
func WithExporter(e Exporter) Option {
	return func(l *Ledger) { l.exporter = e }
}

// WithPublisher announces committed entries to p
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// NewLedger creates a Ledger. Entries recorded before Start are queued.
func NewLedger(repo repositories.AuditRepository, logger *zap.Logger, cfg Config, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		repo:     repo,
		logger:   logger,
		cfg:      cfg,
		shards:   make([]*shard, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{wake: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start starts one writer per shard
func (l *Ledger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("audit ledger already started")
	}
	if l.stopped.Load() {
		return ErrLedgerStopped
	}
	for i, sh := range l.shards {
		l.wg.Add(1)
		go l.worker(i, sh)
	}
	l.started = true
	l.logger.Info("started audit ledger",
		zap.Int("workers", len(l.shards)),
		zap.Bool("export", l.exporter != nil))
	return nil
}

// Stop drains the queues and waits for the writers. When ctx ends first,
// in-flight retries are abandoned and the remaining depth is reported.
func (l *Ledger) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started || l.stopped.Load() {
		l.mu.Unlock()
		return fmt.Errorf("audit ledger not running")
	}
	l.stopped.Store(true)
	close(l.stopping)
	l.mu.Unlock()

	l.logger.Info("stopping audit ledger", zap.Int("pending_entries", l.Depth()))

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		l.logger.Info("audit ledger stopped gracefully")
	case <-ctx.Done():
		l.cancel()
		<-done
		err = fmt.Errorf("audit ledger stop interrupted with %d entries pending: %w", l.Depth(), ctx.Err())
	}
	l.cancel()

	if l.exporter != nil {
		if cerr := l.exporter.Close(); cerr != nil {
			l.logger.Warn("failed to close audit exporter", zap.Error(cerr))
		}
	}
	return err
}

// Record queues an entry for append. It never blocks.
func (l *Ledger) Record(entry *models.AuditEntry) error {
	if entry == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.Load() {
		l.logger.Error("audit entry recorded after ledger stopped",
			zap.String("entry_id", entry.ID.String()),
			zap.String("action", string(entry.Action)))
		return ErrLedgerStopped
	}
	l.track(1)
	l.shardFor(entry).push(entry)
	return nil
}

// Flush waits until every recorded entry has been handled
func (l *Ledger) Flush(ctx context.Context) error {
	l.idleMu.Lock()
	ch := l.idle
	l.idleMu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of entries waiting to be appended
func (l *Ledger) Depth() int {
	n := 0
	for _, sh := range l.shards {
		n += sh.depth()
	}
	return n
}

// Stats represents ledger writer statistics
type Stats struct {
	Workers  int   `json:"workers"`
	Pending  int   `json:"pending"`
	Appended int64 `json:"appended"`
	Retries  int64 `json:"retries"`
	Dropped  int64 `json:"dropped"`
	Started  bool  `json:"started"`
}

// GetStats returns statistics about the ledger writers
func (l *Ledger) GetStats() Stats {
	l.mu.Lock()
	started := l.started && !l.stopped.Load()
	l.mu.Unlock()

	return Stats{
		Workers:  len(l.shards),
		Pending:  l.Depth(),
		Appended: l.appended.Load(),
		Retries:  l.retries.Load(),
		Dropped:  l.dropped.Load(),
		Started:  started,
	}
}

func (l *Ledger) shardFor(e *models.AuditEntry) *shard {
	key := e.SessionID
	if e.ElevationRequestID != nil {
		key = *e.ElevationRequestID
	}
	return l.shards[shardIndex(key, len(l.shards))]
}

func shardIndex(id uuid.UUID, n int) int {
	return int(binary.BigEndian.Uint64(id[8:]) % uint64(n))
}

func (l *Ledger) track(delta int64) {
	l.idleMu.Lock()
	defer l.idleMu.Unlock()
	l.pending += delta
	switch {
	case l.pending == 0 && l.idle != nil:
		close(l.idle)
		l.idle = nil
	case l.pending > 0 && l.idle == nil:
		l.idle = make(chan struct{})
	}
}

func (l *Ledger) worker(id int, sh *shard) {
	defer l.wg.Done()

	l.logger.Debug("audit worker started", zap.Int("worker_id", id))
	defer l.logger.Debug("audit worker stopped", zap.Int("worker_id", id))

	for {
		entry := sh.peek()
		if entry == nil {
			select {
			case <-sh.wake:
				continue
			case <-l.stopping:
				if sh.peek() != nil {
					continue
				}
				return
			case <-l.ctx.Done():
				return
			}
		}

		if !l.deliver(id, entry) {
			return
		}
		sh.pop()
		l.track(-1)
	}
}

// deliver appends entry, retrying with capped exponential backoff until it
// succeeds or fails permanently. It returns false only when the ledger is
// shut down mid-retry.
func (l *Ledger) deliver(workerID int, entry *models.AuditEntry) bool {
	backoff := l.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := l.appendOnce(entry)
		if err == nil {
			l.appended.Add(1)
			l.afterCommit(entry)
			return true
		}

		if !services.IsRetryable(err) {
			l.dropped.Add(1)
			l.logger.Error("audit entry rejected permanently",
				zap.Int("worker_id", workerID),
				zap.String("entry_id", entry.ID.String()),
				zap.String("action", string(entry.Action)),
				zap.Error(err))
			return true
		}

		l.retries.Add(1)
		fields := []zap.Field{
			zap.Int("worker_id", workerID),
			zap.String("entry_id", entry.ID.String()),
			zap.String("action", string(entry.Action)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		}
		if attempt >= l.cfg.MaxRetries {
			l.logger.Error("audit append still failing", fields...)
		} else {
			l.logger.Warn("audit append failed, retrying", fields...)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-l.ctx.Done():
			timer.Stop()
			l.logger.Error("audit ledger shut down with entry unwritten",
				zap.String("entry_id", entry.ID.String()),
				zap.String("action", string(entry.Action)))
			return false
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

func (l *Ledger) appendOnce(entry *models.AuditEntry) error {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.WriteTimeout)
	defer cancel()
	if err := l.repo.Append(ctx, entry); err != nil {
		return services.WrapStorage("failed to append audit entry", err)
	}
	return nil
}

func (l *Ledger) afterCommit(entry *models.AuditEntry) {
	if l.publisher != nil {
		l.publisher.Publish(entry)
	}
	if l.exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.WriteTimeout)
	defer cancel()
	if err := l.exporter.Export(ctx, entry); err != nil {
		l.logger.Warn("failed to export audit entry",
			zap.Int64("seq", entry.Seq),
			zap.String("entry_id", entry.ID.String()),
			zap.Error(err))
	}
}
