package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
)

type fundsCall struct {
	userID string
	delta  gateway.FundsDelta
}

type memBooks struct {
	funds     []fundsCall
	increased []decimal.Decimal
	withdrawn []decimal.Decimal
	hashes    map[string]bool
	txErr     error
}

func newMemBooks() *memBooks { return &memBooks{hashes: map[string]bool{}} }

func (b *memBooks) GetJobApplicationByID(_ context.Context, id string) (*model.JobApplication, error) {
	return &model.JobApplication{ID: id, FreelancerID: "u-free"}, nil
}

func (b *memBooks) UpdateUserFunds(_ context.Context, userID string, delta gateway.FundsDelta) error {
	b.funds = append(b.funds, fundsCall{userID: userID, delta: delta})
	return nil
}

func (b *memBooks) IncreaseFund(_ context.Context, _ string, amount decimal.Decimal) error {
	b.increased = append(b.increased, amount)
	return nil
}

func (b *memBooks) IncreaseWithdraw(_ context.Context, _ string, amount decimal.Decimal) error {
	b.withdrawn = append(b.withdrawn, amount)
	return nil
}

func (b *memBooks) CreateChainTx(_ context.Context, tx *model.ChainTx) (bool, error) {
	if b.txErr != nil {
		return false, b.txErr
	}
	if b.hashes[tx.TxHash] {
		return false, nil
	}
	b.hashes[tx.TxHash] = true
	return true, nil
}

func fundTx(hash string) Tx {
	return Tx{
		Action:    model.ActionFund,
		Milestone: model.Milestone{ID: "m1", JobID: "j1", Amount: decimal.NewFromInt(100)},
		Job:       model.Job{ID: "j1", ClientID: "u-client", ApplicationID: "app1"},
		From:      "0x1",
		To:        "0x2",
		Hash:      hash,
		ChainID:   1,
	}
}

func TestRecordFund(t *testing.T) {
	books := newMemBooks()
	warnings := Record(context.Background(), books, fundTx("0xa"), zap.NewNop())
	assert.Empty(t, warnings)

	require.Len(t, books.increased, 1)
	assert.True(t, books.increased[0].Equal(decimal.NewFromInt(100)))
	require.Len(t, books.funds, 1)
	assert.Equal(t, "u-free", books.funds[0].userID)
	assert.True(t, books.funds[0].delta.Escrowed.Equal(decimal.NewFromInt(100)))
}

func TestRecordWithdraw(t *testing.T) {
	books := newMemBooks()
	tx := fundTx("0xb")
	tx.Action = model.ActionWithdraw
	Record(context.Background(), books, tx, zap.NewNop())

	require.Len(t, books.withdrawn, 1)
	require.Len(t, books.funds, 2)
	assert.True(t, books.funds[0].delta.Escrowed.Equal(decimal.NewFromInt(-100)))
	assert.True(t, books.funds[0].delta.Earned.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "u-client", books.funds[1].userID)
	assert.True(t, books.funds[1].delta.Spent.Equal(decimal.NewFromInt(100)))
}

func TestRecordSameHashCountsOnce(t *testing.T) {
	books := newMemBooks()
	Record(context.Background(), books, fundTx("0xa"), zap.NewNop())
	Record(context.Background(), books, fundTx("0xa"), zap.NewNop())

	assert.Len(t, books.increased, 1)
	assert.Len(t, books.funds, 1)
}

func TestRecordChainTxFailureStillUpdatesTotals(t *testing.T) {
	books := newMemBooks()
	books.txErr = errors.New("db down")
	warnings := Record(context.Background(), books, fundTx("0xa"), zap.NewNop())

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "record chain transaction")
	assert.Len(t, books.increased, 1)
}

func TestRecordSkipsOtherActions(t *testing.T) {
	books := newMemBooks()
	tx := fundTx("0xa")
	tx.Action = model.ActionApprove
	assert.Nil(t, Record(context.Background(), books, tx, zap.NewNop()))
	assert.Empty(t, books.hashes)
	assert.Nil(t, Record(context.Background(), nil, fundTx("0xa"), zap.NewNop()))
}
