package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories/memory"
	"github.com/atlasconnect/pam/services"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu       sync.Mutex
	appended []*models.AuditEntry
}

func (m *MockAuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	args := m.Called(ctx, entry)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, entry)
	return nil
}

func (m *MockAuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, filter)
	if entries := args.Get(0); entries != nil {
		return entries.([]*models.AuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

type recordingExporter struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
	err     error
	closed  bool
}

func (e *recordingExporter) Export(_ context.Context, entry *models.AuditEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return e.err
}

func (e *recordingExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	actions []models.AuditAction
}

func (p *recordingPublisher) Publish(entry *models.AuditEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, entry.Action)
}

func testConfig() Config {
	return Config{
		Workers:      4,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

func newRequest() *models.ElevationRequest {
	return &models.ElevationRequest{
		ID:              uuid.New(),
		SessionID:       uuid.New(),
		UserID:          "tech-1",
		ElevationType:   models.ElevationRunAsAdmin,
		Status:          models.StatusPending,
		RiskScore:       20,
		ComplianceFlags: []string{"soc2"},
	}
}

func flush(t *testing.T, l *Ledger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}

func TestLedger_StartStop(t *testing.T) {
	l := NewLedger(memory.NewAuditLedger(), zap.NewNop(), testConfig())

	require.NoError(t, l.Start())
	assert.Error(t, l.Start(), "second start should fail")
	assert.True(t, l.GetStats().Started)

	require.NoError(t, l.Stop(context.Background()))
	assert.Error(t, l.Stop(context.Background()), "second stop should fail")
	assert.False(t, l.GetStats().Started)
}

func TestLedger_PerRequestOrder(t *testing.T) {
	repo := memory.NewAuditLedger()
	l := NewLedger(repo, zap.NewNop(), testConfig())
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	actions := []models.AuditAction{
		models.AuditActionRequested,
		models.AuditActionApproved,
		models.AuditActionActivated,
		models.AuditActionCompleted,
	}

	reqs := make([]*models.ElevationRequest, 20)
	for i := range reqs {
		reqs[i] = newRequest()
	}
	now := time.Now()
	for step, action := range actions {
		for _, req := range reqs {
			require.NoError(t, l.Record(models.NewAuditEntry(req, action, "tech-1", now.Add(time.Duration(step)*time.Second))))
		}
	}
	flush(t, l)

	for _, req := range reqs {
		id := req.ID
		entries, err := repo.List(context.Background(), models.AuditFilter{ElevationRequestID: &id})
		require.NoError(t, err)
		require.Len(t, entries, len(actions))
		for i, e := range entries {
			assert.Equal(t, actions[i], e.Action)
			if i > 0 {
				assert.Greater(t, e.Seq, entries[i-1].Seq)
				assert.False(t, e.Timestamp.Before(entries[i-1].Timestamp))
			}
		}
	}
	assert.Equal(t, int64(len(reqs)*len(actions)), l.GetStats().Appended)
}

func TestLedger_RecordBeforeStartIsQueued(t *testing.T) {
	repo := memory.NewAuditLedger()
	l := NewLedger(repo, zap.NewNop(), testConfig())

	require.NoError(t, l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now())))
	assert.Equal(t, 1, l.Depth())

	require.NoError(t, l.Start())
	defer l.Stop(context.Background())
	flush(t, l)
	assert.Equal(t, 0, l.Depth())
}

func TestLedger_RetriesTransientFailures(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Append", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Twice()
	repo.On("Append", mock.Anything, mock.Anything).Return(nil)

	l := NewLedger(repo, zap.NewNop(), testConfig())
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	require.NoError(t, l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now())))
	flush(t, l)

	assert.Equal(t, 1, repo.count())
	stats := l.GetStats()
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(1), stats.Appended)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestLedger_DropsPermanentFailures(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Append", mock.Anything, mock.Anything).
		Return(services.NewDomainError(services.ErrorTypeInvalidArgument, "bad entry", nil)).Once()
	repo.On("Append", mock.Anything, mock.Anything).Return(nil)

	l := NewLedger(repo, zap.NewNop(), testConfig())
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	req := newRequest()
	require.NoError(t, l.Record(models.NewAuditEntry(req, models.AuditActionRequested, "u", time.Now())))
	require.NoError(t, l.Record(models.NewAuditEntry(req, models.AuditActionApproved, "u", time.Now())))
	flush(t, l)

	assert.Equal(t, int64(1), l.GetStats().Dropped)
	assert.Equal(t, 1, repo.count())
}

type blockingRepo struct {
	*memory.AuditLedger
	release chan struct{}
}

func (b *blockingRepo) Append(ctx context.Context, entry *models.AuditEntry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.AuditLedger.Append(ctx, entry)
}

func TestLedger_RecordNeverBlocks(t *testing.T) {
	repo := &blockingRepo{AuditLedger: memory.NewAuditLedger(), release: make(chan struct{})}
	cfg := testConfig()
	cfg.WriteTimeout = time.Minute
	l := NewLedger(repo, zap.NewNop(), cfg)
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	const n = 5000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_ = l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now()))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked while the repository was stalled")
	}
	assert.GreaterOrEqual(t, l.Depth(), n-cfg.Workers)

	close(repo.release)
	flush(t, l)
	assert.Equal(t, int64(n), l.GetStats().Appended)
}

func TestLedger_StopDrainsQueue(t *testing.T) {
	repo := memory.NewAuditLedger()
	l := NewLedger(repo, zap.NewNop(), testConfig())
	require.NoError(t, l.Start())

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now())))
	}
	require.NoError(t, l.Stop(context.Background()))

	entries, err := repo.List(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 100)

	err = l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now()))
	assert.ErrorIs(t, err, ErrLedgerStopped)
}

func TestLedger_StopTimesOutOnStuckRepository(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Append", mock.Anything, mock.Anything).Return(errors.New("database unavailable"))

	l := NewLedger(repo, zap.NewNop(), testConfig())
	require.NoError(t, l.Start())
	require.NoError(t, l.Record(models.NewAuditEntry(newRequest(), models.AuditActionRequested, "u", time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Depth())
}

func TestLedger_ExportAndPublishAfterCommit(t *testing.T) {
	exporter := &recordingExporter{err: errors.New("broker down")}
	publisher := &recordingPublisher{}
	l := NewLedger(memory.NewAuditLedger(), zap.NewNop(), testConfig(),
		WithExporter(exporter), WithPublisher(publisher))
	require.NoError(t, l.Start())

	req := newRequest()
	require.NoError(t, l.Record(models.NewAuditEntry(req, models.AuditActionRequested, "u", time.Now())))
	require.NoError(t, l.Record(models.NewAuditEntry(req, models.AuditActionDenied, "u", time.Now())))
	flush(t, l)
	require.NoError(t, l.Stop(context.Background()))

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	require.Len(t, exporter.entries, 2)
	assert.NotEmpty(t, exporter.entries[0].EntryHash, "exported entries are chained")
	assert.True(t, exporter.closed)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Equal(t, []models.AuditAction{models.AuditActionRequested, models.AuditActionDenied}, publisher.actions)
}

func TestShardIndexStable(t *testing.T) {
	id := uuid.New()
	for n := 1; n <= 8; n++ {
		idx := shardIndex(id, n)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, n)
		assert.Equal(t, idx, shardIndex(id, n))
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaExporter(t *testing.T) {
	w := &fakeKafkaWriter{}
	e := &KafkaExporter{writer: w, topic: "pam.audit"}

	entry := models.NewAuditEntry(newRequest(), models.AuditActionApproved, "alice", time.Now())
	entry.Chain(1, models.GenesisHash)
	require.NoError(t, e.Export(context.Background(), entry))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, entry.SessionID.String(), string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"action":"approved"`)
	require.NoError(t, e.Close())
	assert.True(t, w.closed)

	var nilExporter *KafkaExporter
	assert.Error(t, nilExporter.Export(context.Background(), entry))
	assert.NoError(t, nilExporter.Close())
}
