package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/cache"
	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
)

type retryCall struct {
	id         string
	attempts   int
	maxRetries int
}

type memQueue struct {
	entries []Entry
	done    []string
	retries []retryCall
}

func (q *memQueue) Enqueue(_ context.Context, e *Entry) error {
	q.entries = append(q.entries, *e)
	return nil
}

func (q *memQueue) HasPending(_ context.Context, id string) (bool, error) {
	for _, e := range q.entries {
		if e.MilestoneID == id {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) Due(_ context.Context, limit int) ([]Entry, error) {
	if len(q.entries) > limit {
		return q.entries[:limit], nil
	}
	return q.entries, nil
}

func (q *memQueue) MarkDone(_ context.Context, id string) error {
	q.done = append(q.done, id)
	return nil
}

func (q *memQueue) MarkRetry(_ context.Context, id string, attempts int, _ string, maxRetries int) error {
	q.retries = append(q.retries, retryCall{id: id, attempts: attempts, maxRetries: maxRetries})
	return nil
}

type fakeWriter struct {
	current map[string]model.Milestone
	jobs    map[string]model.Job
	err     error
	jobErr  error
	writes  int
}

func (w *fakeWriter) GetJob(_ context.Context, id string) (*model.Job, error) {
	if w.jobErr != nil {
		return nil, w.jobErr
	}
	j, ok := w.jobs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &j, nil
}

func (w *fakeWriter) GetMilestone(_ context.Context, id string) (*model.Milestone, error) {
	m, ok := w.current[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &m, nil
}

func (w *fakeWriter) UpdateStatus(_ context.Context, id string, u gateway.StatusUpdate) (*model.Milestone, error) {
	w.writes++
	if w.err != nil {
		return nil, w.err
	}
	m, ok := w.current[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if m.Status != u.From {
		return nil, gateway.ErrStatusConflict
	}
	m.Status = u.Status
	m.LastTxHash = u.TxHash
	if m.IPFS == nil {
		m.IPFS = u.IPFS
	}
	w.current[id] = m
	return &m, nil
}

func setup(t *testing.T, ms ...model.Milestone) (*memQueue, *fakeWriter, *cache.Store) {
	t.Helper()
	w := &fakeWriter{current: map[string]model.Milestone{}, jobs: map[string]model.Job{}}
	job := model.Job{ID: "J1", ClientID: "client-1", ApplicationID: "app-1"}
	for _, m := range ms {
		w.current[m.ID] = m
		job.Milestones = append(job.Milestones, m)
	}
	w.jobs[job.ID] = job
	store := cache.NewStore(zap.NewNop())
	store.Load([]model.Job{job})
	return &memQueue{}, w, store
}

func entry(id, milestoneID string, from, to model.Status) Entry {
	return Entry{
		ID:          id,
		MilestoneID: milestoneID,
		JobID:       "J1",
		Action:      model.ActionDeliver,
		Update:      gateway.StatusUpdate{From: from, Status: to, TxHash: "0xhash"},
		NextRunAt:   time.Now(),
	}
}

func TestRunOnceReplaysAndMergesCache(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded})
	e := entry("e1", "m1", model.StatusFunded, model.StatusDelivered)
	cid := "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	e.Update.IPFS = &cid
	q.entries = []Entry{e}

	done, err := NewRunner(q, w, store, 10, 3, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, []string{"e1"}, q.done)

	m, ok := store.Milestone("m1")
	require.True(t, ok)
	assert.Equal(t, model.StatusDelivered, m.Status)
	require.NotNil(t, m.IPFS)
	assert.Equal(t, cid, *m.IPFS)
}

func TestRunOnceTreatsSameResultAsDone(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusApproved})
	q.entries = []Entry{entry("e1", "m1", model.StatusDelivered, model.StatusApproved)}

	done, err := NewRunner(q, w, store, 10, 3, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, []string{"e1"}, q.done)
}

func TestRunOnceGivesUpOnDivergedStatus(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusDisputedByClient})
	q.entries = []Entry{entry("e1", "m1", model.StatusDelivered, model.StatusApproved)}

	done, err := NewRunner(q, w, store, 10, 5, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	require.Len(t, q.retries, 1)
	assert.Equal(t, 1, q.retries[0].attempts)
	assert.Equal(t, 1, q.retries[0].maxRetries)
}

func TestRunOnceRetriesTransientFailure(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusDelivered})
	w.err = errors.New("connection refused")
	e := entry("e1", "m1", model.StatusDelivered, model.StatusApproved)
	e.Attempts = 2
	q.entries = []Entry{e}

	done, err := NewRunner(q, w, store, 10, 5, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, []retryCall{{id: "e1", attempts: 3, maxRetries: 5}}, q.retries)

	m, _ := store.Milestone("m1")
	assert.Equal(t, model.StatusDelivered, m.Status)
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	q, w, store := setup(t,
		model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded},
		model.Milestone{ID: "m2", JobID: "J1", OrderIndex: 1, Status: model.StatusFunded},
	)
	q.entries = []Entry{
		entry("e1", "m1", model.StatusFunded, model.StatusDelivered),
		entry("e2", "m2", model.StatusFunded, model.StatusDelivered),
	}

	done, err := NewRunner(q, w, store, 1, 5, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, []string{"e1"}, q.done)
}

type fundsCall struct {
	userID string
	delta  gateway.FundsDelta
}

type memBooks struct {
	funds     []fundsCall
	increased []decimal.Decimal
	hashes    []string
}

func (b *memBooks) GetJobApplicationByID(_ context.Context, id string) (*model.JobApplication, error) {
	return &model.JobApplication{ID: id, FreelancerID: "free-1"}, nil
}

func (b *memBooks) UpdateUserFunds(_ context.Context, userID string, delta gateway.FundsDelta) error {
	b.funds = append(b.funds, fundsCall{userID: userID, delta: delta})
	return nil
}

func (b *memBooks) IncreaseFund(_ context.Context, _ string, amount decimal.Decimal) error {
	b.increased = append(b.increased, amount)
	return nil
}

func (b *memBooks) IncreaseWithdraw(context.Context, string, decimal.Decimal) error { return nil }

func (b *memBooks) CreateChainTx(_ context.Context, tx *model.ChainTx) (bool, error) {
	for _, h := range b.hashes {
		if h == tx.TxHash {
			return false, nil
		}
	}
	b.hashes = append(b.hashes, tx.TxHash)
	return true, nil
}

type fakeConfirmer struct {
	state gateway.TxState
	err   error
}

func (c *fakeConfirmer) TxState(context.Context, string) (gateway.TxState, error) {
	return c.state, c.err
}

type recordingGuard struct {
	completed []string
	reset     []string
}

func (g *recordingGuard) Complete(_ context.Context, id string) error {
	g.completed = append(g.completed, id)
	return nil
}

func (g *recordingGuard) Reset(_ context.Context, id string) error {
	g.reset = append(g.reset, id)
	return nil
}

func fundEntry(id string) Entry {
	escrow := "0x4444444444444444444444444444444444444444"
	return Entry{
		ID:          id,
		MilestoneID: "m1",
		JobID:       "J1",
		Action:      model.ActionFund,
		Update:      gateway.StatusUpdate{From: model.StatusPendingFund, Status: model.StatusFunded, Escrow: &escrow, TxHash: "0xfund"},
		From:        "0x1111111111111111111111111111111111111111",
		To:          escrow,
		NextRunAt:   time.Now(),
	}
}

func TestRunOnceRecordsFundBookkeeping(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusPendingFund, Amount: decimal.NewFromInt(250)})
	q.entries = []Entry{fundEntry("e1")}
	books := &memBooks{}

	runner := NewRunner(q, w, store, 10, 5, zap.NewNop(), WithBookkeeper(books, 1))
	done, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	m, _ := store.Milestone("m1")
	assert.Equal(t, model.StatusFunded, m.Status)
	require.Len(t, books.increased, 1)
	assert.True(t, books.increased[0].Equal(decimal.NewFromInt(250)))
	require.Len(t, books.funds, 1)
	assert.Equal(t, "free-1", books.funds[0].userID)
	assert.Equal(t, []string{"0xfund"}, books.hashes)

	// 同一条记录再次重放，状态已经写入，汇总不能重复累加
	q.entries = []Entry{fundEntry("e1")}
	done, err = runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Len(t, books.increased, 1)
	assert.Len(t, books.funds, 1)
}

func TestRunOnceRetriesWhenJobUnavailableForBookkeeping(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusPendingFund})
	w.jobErr = errors.New("connection refused")
	q.entries = []Entry{fundEntry("e1")}
	books := &memBooks{}

	done, err := NewRunner(q, w, store, 10, 5, zap.NewNop(), WithBookkeeper(books, 1)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Empty(t, q.done)
	assert.Equal(t, []retryCall{{id: "e1", attempts: 1, maxRetries: 5}}, q.retries)
	assert.Empty(t, books.hashes)
}

func TestRunOnceWaitsForPendingReceipt(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded})
	e := entry("e1", "m1", model.StatusFunded, model.StatusDelivered)
	e.AwaitReceipt = true
	q.entries = []Entry{e}
	guard := &recordingGuard{}

	runner := NewRunner(q, w, store, 10, 5, zap.NewNop(),
		WithConfirmer(&fakeConfirmer{state: gateway.TxPending}), WithGuard(guard))
	done, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Zero(t, w.writes)
	assert.Equal(t, []retryCall{{id: "e1", attempts: 1, maxRetries: 5}}, q.retries)
	assert.Empty(t, guard.completed)
	assert.Empty(t, guard.reset)
}

func TestRunOnceWritesConfirmedDelivery(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded})
	e := entry("e1", "m1", model.StatusFunded, model.StatusDelivered)
	e.AwaitReceipt = true
	q.entries = []Entry{e}
	guard := &recordingGuard{}

	runner := NewRunner(q, w, store, 10, 5, zap.NewNop(),
		WithConfirmer(&fakeConfirmer{state: gateway.TxConfirmed}), WithGuard(guard))
	done, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, []string{"m1"}, guard.completed)

	m, _ := store.Milestone("m1")
	assert.Equal(t, model.StatusDelivered, m.Status)
}

func TestRunOnceDropsRevertedDelivery(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded})
	e := entry("e1", "m1", model.StatusFunded, model.StatusDelivered)
	e.AwaitReceipt = true
	q.entries = []Entry{e}
	guard := &recordingGuard{}

	runner := NewRunner(q, w, store, 10, 5, zap.NewNop(),
		WithConfirmer(&fakeConfirmer{state: gateway.TxReverted}), WithGuard(guard))
	done, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Zero(t, w.writes)
	assert.Equal(t, []string{"e1"}, q.done)
	assert.Equal(t, []string{"m1"}, guard.reset)

	m, _ := store.Milestone("m1")
	assert.Equal(t, model.StatusFunded, m.Status)
}

func TestRunOnceWithoutConfirmerKeepsAwaiting(t *testing.T) {
	q, w, store := setup(t, model.Milestone{ID: "m1", JobID: "J1", Status: model.StatusFunded})
	e := entry("e1", "m1", model.StatusFunded, model.StatusDelivered)
	e.AwaitReceipt = true
	q.entries = []Entry{e}

	done, err := NewRunner(q, w, store, 10, 5, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Zero(t, w.writes)
	require.Len(t, q.retries, 1)
}
