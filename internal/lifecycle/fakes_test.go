package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
	"escrowflow/internal/notify"
	"escrowflow/internal/reconcile"
)

const (
	clientWallet     = "0x1111111111111111111111111111111111111111"
	freelancerWallet = "0x2222222222222222222222222222222222222222"
	arbiterWallet    = "0x3333333333333333333333333333333333333333"
	escrowAddr       = "0x4444444444444444444444444444444444444444"
	strangerWallet   = "0x5555555555555555555555555555555555555555"
	deliveredCID     = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
)

var (
	client     = Actor{UserID: "client-1", Wallet: clientWallet}
	freelancer = Actor{UserID: "free-1", Wallet: freelancerWallet}
	arbiter    = Actor{Wallet: arbiterWallet}
)

type fakeBuilder struct {
	mu       sync.Mutex
	requests []gateway.TxRequest
	err      error
	cid      string
	block    chan struct{} // 非空时 Request 会阻塞直到关闭
	entered  chan struct{}
}

func (f *fakeBuilder) Request(_ context.Context, req gateway.TxRequest) (*gateway.TxDescriptor, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, entered := f.block, f.entered
	err, c := f.err, f.cid
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	d := &gateway.TxDescriptor{To: escrowAddr, Data: "0x", ChainID: 1}
	if req.Action == model.ActionDeliver {
		d.CID = c
		if d.CID == "" {
			d.CID = deliveredCID
		}
	}
	return d, nil
}

func (f *fakeBuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeWallet struct {
	mu      sync.Mutex
	submits int
	err     error
	noHash  bool
}

func (f *fakeWallet) Submit(_ context.Context, _ string, _ gateway.TxDescriptor) (*gateway.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.err != nil {
		return nil, f.err
	}
	if f.noHash {
		return &gateway.TxResult{}, nil
	}
	// 每笔交易哈希不同，第一笔固定为 0xhash
	hash := "0xhash"
	if f.submits > 1 {
		hash = fmt.Sprintf("0xhash%d", f.submits)
	}
	return &gateway.TxResult{Hash: hash, BlockNumber: uint64(f.submits)}, nil
}

type fakePersistence struct {
	mu         sync.Mutex
	milestones map[string]model.Milestone
	jobs       map[string]model.Job
	updates    int
	failures   []error // 依次返回，用完后正常写入
}

func (f *fakePersistence) GetMilestone(_ context.Context, id string) (*model.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	c := m.Clone()
	return &c, nil
}

func (f *fakePersistence) GetJob(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	c := j.Clone()
	c.Milestones = nil
	for _, m := range f.milestones {
		if m.JobID == id {
			c.Milestones = append(c.Milestones, m.Clone())
		}
	}
	return &c, nil
}

func (f *fakePersistence) UpdateStatus(_ context.Context, id string, u gateway.StatusUpdate) (*model.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}

	m, ok := f.milestones[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if m.Status != u.From {
		return nil, gateway.ErrStatusConflict
	}
	m.Status = u.Status
	if m.Escrow == nil && u.Escrow != nil {
		v := *u.Escrow
		m.Escrow = &v
	}
	if m.IPFS == nil && u.IPFS != nil {
		v := *u.IPFS
		m.IPFS = &v
	}
	m.LastTxHash = u.TxHash
	f.milestones[id] = m
	c := m.Clone()
	return &c, nil
}

func (f *fakePersistence) status(id string) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.milestones[id].Status
}

func (f *fakePersistence) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

type fundsCall struct {
	userID string
	delta  gateway.FundsDelta
}

type fakeBooks struct {
	mu        sync.Mutex
	funds     []fundsCall
	increased []decimal.Decimal
	withdrawn []decimal.Decimal
	txs       []*model.ChainTx
	err       error
}

func (f *fakeBooks) GetJobApplicationByID(_ context.Context, id string) (*model.JobApplication, error) {
	return &model.JobApplication{ID: id, FreelancerID: freelancer.UserID}, nil
}

func (f *fakeBooks) UpdateUserFunds(_ context.Context, userID string, delta gateway.FundsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funds = append(f.funds, fundsCall{userID: userID, delta: delta})
	return f.err
}

func (f *fakeBooks) IncreaseFund(_ context.Context, _ string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increased = append(f.increased, amount)
	return f.err
}

func (f *fakeBooks) IncreaseWithdraw(_ context.Context, _ string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, amount)
	return f.err
}

func (f *fakeBooks) CreateChainTx(_ context.Context, tx *model.ChainTx) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.txs {
		if t.TxHash == tx.TxHash {
			return false, nil
		}
	}
	f.txs = append(f.txs, tx)
	return true, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []reconcile.Entry
}

func (f *fakeQueue) Enqueue(_ context.Context, e *reconcile.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeQueue) HasPending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.MilestoneID == id {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeQueue) Due(context.Context, int) ([]reconcile.Entry, error) { return nil, nil }

func (f *fakeQueue) MarkDone(context.Context, string) error { return nil }

func (f *fakeQueue) MarkRetry(context.Context, string, int, string, int) error { return nil }

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) last() notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices[len(r.notices)-1]
}
