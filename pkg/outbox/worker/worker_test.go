package worker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/payalb/course-management/pkg/apperrors"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/payalb/course-management/pkg/eventbus"
	"github.com/payalb/course-management/pkg/outbox/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTx struct {
	pgx.Tx
	onCommit   []func()
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	for _, apply := range t.onCommit {
		apply()
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	return tx, nil
}

// memLedger applies status updates only when the pass transaction commits.
type memLedger struct {
	mu      sync.Mutex
	records map[int64]*domain.OutboxRecord
	nextID  int64
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[int64]*domain.OutboxRecord)}
}

func (l *memLedger) add(r *domain.OutboxRecord) *domain.OutboxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	r.ID = l.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().Add(time.Duration(l.nextID) * time.Millisecond)
	}
	l.records[r.ID] = r

	return r
}

func (l *memLedger) get(id int64) domain.OutboxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.records[id]
}

func (l *memLedger) selectWhere(pred func(*domain.OutboxRecord) bool, limit int) []*domain.OutboxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.OutboxRecord
	for _, r := range l.records {
		if pred(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}

	return out
}

func (l *memLedger) Save(_ context.Context, _ pgx.Tx, r *domain.OutboxRecord) error {
	l.add(r)
	return nil
}

func (l *memLedger) ClaimPending(_ context.Context, _ pgx.Tx, limit int) ([]*domain.OutboxRecord, error) {
	return l.selectWhere(func(r *domain.OutboxRecord) bool { return r.Status == domain.StatusPending }, limit), nil
}

func (l *memLedger) ClaimFailedForRetry(_ context.Context, _ pgx.Tx, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error) {
	return l.selectWhere(func(r *domain.OutboxRecord) bool {
		return r.Status == domain.StatusFailed && r.RetryCount < maxRetries && r.CreatedAt.After(since)
	}, limit), nil
}

func (l *memLedger) ClaimByID(_ context.Context, _ pgx.Tx, id int64) (*domain.OutboxRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (l *memLedger) stage(tx pgx.Tx, apply func(r *domain.OutboxRecord), id int64) {
	ftx := tx.(*fakeTx)
	ftx.onCommit = append(ftx.onCommit, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		apply(l.records[id])
	})
}

func (l *memLedger) MarkPublished(_ context.Context, tx pgx.Tx, id int64, at time.Time) error {
	l.stage(tx, func(r *domain.OutboxRecord) {
		r.Status = domain.StatusPublished
		r.PublishedAt = &at
		r.ErrorMessage = nil
	}, id)
	return nil
}

func (l *memLedger) MarkFailed(_ context.Context, tx pgx.Tx, id int64, errMsg string) error {
	msg := domain.TruncateError(errMsg)
	l.stage(tx, func(r *domain.OutboxRecord) {
		r.Status = domain.StatusFailed
		r.RetryCount++
		r.ErrorMessage = &msg
	}, id)
	return nil
}

func (l *memLedger) DeleteOlderThan(_ context.Context, threshold time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for id, r := range l.records {
		if r.Status == domain.StatusPublished && r.PublishedAt.Before(threshold) {
			delete(l.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (l *memLedger) ListExhausted(_ context.Context, maxRetries int, since time.Time, limit int) ([]*domain.OutboxRecord, error) {
	return l.selectWhere(func(r *domain.OutboxRecord) bool {
		return r.Status == domain.StatusFailed && (r.RetryCount >= maxRetries || !r.CreatedAt.After(since))
	}, limit), nil
}

type fakeBus struct {
	mu       sync.Mutex
	fail     error
	sent     []eventbus.Message
	failKeys map[string]bool
}

func (b *fakeBus) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail != nil || b.failKeys[key] {
		err := b.fail
		if err == nil {
			err = errors.New("broker rejected key " + key)
		}
		return &apperrors.DeliveryError{Err: err}
	}

	b.sent = append(b.sent, eventbus.Message{Topic: topic, Key: key, Value: value})
	return nil
}

func payloadFor(t *testing.T, courseID int64) string {
	t.Helper()

	data, err := coursedomain.EncodeCourseEvent(&coursedomain.CourseEvent{
		EventType:    coursedomain.CourseCreated,
		CourseID:     courseID,
		CourseName:   "Intro to Go",
		Price:        coursedomain.MustMoney("49.99"),
		InstructorID: 1,
		Status:       coursedomain.StatusDraft,
		Timestamp:    time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	return string(data)
}

func pending(t *testing.T, courseID int64) *domain.OutboxRecord {
	return &domain.OutboxRecord{
		EventType:   string(coursedomain.CourseCreated),
		AggregateID: courseID,
		Payload:     payloadFor(t, courseID),
		Status:      domain.StatusPending,
	}
}

func testOptions() Options {
	return Options{
		Topic:            "course-events",
		BatchSize:        100,
		MaxRetries:       3,
		DispatchInterval: 10 * time.Millisecond,
		RetryInterval:    10 * time.Millisecond,
		CleanupInterval:  time.Hour,
		RetryWindow:      24 * time.Hour,
		Retention:        7 * 24 * time.Hour,
	}
}

func newTestPublisher(t *testing.T, ledger *memLedger, bus eventbus.Publisher, opts Options) *Publisher {
	t.Helper()

	p, err := NewPublisher(&fakeDB{}, ledger, bus, opts, zap.NewNop())
	require.NoError(t, err)

	return p
}

func TestDispatch_PublishesPendingOldestFirst(t *testing.T) {
	ledger := newMemLedger()
	first := ledger.add(pending(t, 10))
	second := ledger.add(pending(t, 20))

	bus := &fakeBus{}
	p := newTestPublisher(t, ledger, bus, testOptions())

	res, err := p.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, PassResult{Published: 2}, res)

	require.Len(t, bus.sent, 2)
	require.Equal(t, "10", bus.sent[0].Key)
	require.Equal(t, "20", bus.sent[1].Key)
	require.Equal(t, "course-events", bus.sent[0].Topic)

	for _, id := range []int64{first.ID, second.ID} {
		r := ledger.get(id)
		require.Equal(t, domain.StatusPublished, r.Status)
		require.NotNil(t, r.PublishedAt)
		require.Nil(t, r.ErrorMessage)
	}
}

func TestDispatch_RespectsBatchSize(t *testing.T) {
	ledger := newMemLedger()
	for i := int64(1); i <= 5; i++ {
		ledger.add(pending(t, i))
	}

	opts := testOptions()
	opts.BatchSize = 2
	bus := &fakeBus{}
	p := newTestPublisher(t, ledger, bus, opts)

	res, err := p.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Published)
	require.Len(t, bus.sent, 2)
}

func TestDispatch_FailureMarksFailed(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(pending(t, 10))

	bus := &fakeBus{fail: errors.New(strings.Repeat("x", 800))}
	p := newTestPublisher(t, ledger, bus, testOptions())

	res, err := p.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, PassResult{Failed: 1}, res)

	got := ledger.get(r.ID)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	require.LessOrEqual(t, len([]rune(*got.ErrorMessage)), domain.MaxErrorLength)
	require.Nil(t, got.PublishedAt)
}

func TestDispatch_MalformedPayloadIsSurfacedAsFailed(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(&domain.OutboxRecord{
		EventType:   string(coursedomain.CourseCreated),
		AggregateID: 10,
		Payload:     `{"eventType":`,
		Status:      domain.StatusPending,
	})

	bus := &fakeBus{}
	p := newTestPublisher(t, ledger, bus, testOptions())

	res, err := p.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Empty(t, bus.sent)

	got := ledger.get(r.ID)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, *got.ErrorMessage, "serialization failed")
}

func TestRetry_BoundedAttempts(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(pending(t, 10))

	bus := &fakeBus{fail: errors.New("broker down")}
	p := newTestPublisher(t, ledger, bus, testOptions())

	_, err := p.Dispatch(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := p.Retry(context.Background())
		require.NoError(t, err)
	}

	got := ledger.get(r.ID)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)

	exhausted, err := p.Exhausted(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	require.Equal(t, r.ID, exhausted[0].ID)
}

func TestRetry_RecoversFailedRecord(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(pending(t, 10))

	bus := &fakeBus{fail: errors.New("broker down")}
	p := newTestPublisher(t, ledger, bus, testOptions())

	_, err := p.Dispatch(context.Background())
	require.NoError(t, err)

	bus.mu.Lock()
	bus.fail = nil
	bus.mu.Unlock()

	res, err := p.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)

	got := ledger.get(r.ID)
	require.Equal(t, domain.StatusPublished, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Nil(t, got.ErrorMessage)
}

func TestRetry_SkipsRecordsOutsideWindow(t *testing.T) {
	ledger := newMemLedger()
	old := pending(t, 10)
	old.Status = domain.StatusFailed
	old.RetryCount = 1
	old.CreatedAt = time.Now().Add(-25 * time.Hour)
	ledger.add(old)

	bus := &fakeBus{}
	p := newTestPublisher(t, ledger, bus, testOptions())

	res, err := p.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, PassResult{}, res)
	require.Empty(t, bus.sent)

	exhausted, err := p.Exhausted(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
}

func TestCleanup_DeletesOnlyOldPublished(t *testing.T) {
	ledger := newMemLedger()
	longAgo := time.Now().Add(-8 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	oldRec := pending(t, 1)
	oldRec.Status = domain.StatusPublished
	oldRec.PublishedAt = &longAgo
	ledger.add(oldRec)

	newRec := pending(t, 2)
	newRec.Status = domain.StatusPublished
	newRec.PublishedAt = &recent
	ledger.add(newRec)

	failedRec := pending(t, 3)
	failedRec.Status = domain.StatusFailed
	failedRec.CreatedAt = longAgo
	ledger.add(failedRec)

	p := newTestPublisher(t, ledger, &fakeBus{}, testOptions())

	deleted, err := p.Cleanup(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
	require.Len(t, ledger.records, 2)
}

func TestReplay(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(pending(t, 10))

	bus := &fakeBus{fail: errors.New("broker down")}
	p := newTestPublisher(t, ledger, bus, testOptions())

	err := p.Replay(context.Background(), r.ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = p.Dispatch(context.Background())
	require.NoError(t, err)

	err = p.Replay(context.Background(), r.ID)
	var deliveryErr *apperrors.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	require.Equal(t, 2, ledger.get(r.ID).RetryCount)

	bus.mu.Lock()
	bus.fail = nil
	bus.mu.Unlock()

	require.NoError(t, p.Replay(context.Background(), r.ID))
	require.Equal(t, domain.StatusPublished, ledger.get(r.ID).Status)

	require.ErrorIs(t, p.Replay(context.Background(), 999), apperrors.ErrNotFound)
}

func TestRun_DeliversWithinOneDispatchPeriod(t *testing.T) {
	ledger := newMemLedger()
	r := ledger.add(pending(t, 10))

	bus := eventbus.NewMemoryBus()
	p := newTestPublisher(t, ledger, bus, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return ledger.get(r.ID).Status == domain.StatusPublished
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.Len(t, bus.Messages("course-events"), 1)
}

func TestDispatch_EmptyLedgerRollsBack(t *testing.T) {
	db := &fakeDB{}
	ledger := newMemLedger()
	p, err := NewPublisher(db, ledger, &fakeBus{}, testOptions(), zap.NewNop())
	require.NoError(t, err)

	res, err := p.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, PassResult{}, res)
	require.Len(t, db.txs, 1)
	require.True(t, db.txs[0].rolledBack)
	require.False(t, db.txs[0].committed)
}
