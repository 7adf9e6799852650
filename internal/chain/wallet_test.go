package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/pkg/config"
)

const (
	client = "0x1111111111111111111111111111111111111111"
	escrow = "0x2222222222222222222222222222222222222222"
)

type fakeRPC struct {
	hash common.Hash
	err  error
	args []interface{}
}

func (f *fakeRPC) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	f.args = args
	if f.err != nil {
		return f.err
	}
	if method != "eth_sendTransaction" {
		return errors.New("unexpected method " + method)
	}
	*(result.(*common.Hash)) = f.hash
	return nil
}

type fakeReceipts struct {
	mu      sync.Mutex
	pending int // 前几次返回 NotFound
	status  uint64
	lookups int
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookups <= f.pending {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: h, Status: f.status, BlockNumber: big.NewInt(42)}, nil
}

type rpcErr struct{ code int }

func (e rpcErr) Error() string  { return "user denied" }
func (e rpcErr) ErrorCode() int { return e.code }

func newTestWallet(rpc *fakeRPC, receipts *fakeReceipts) *Wallet {
	return NewWallet(rpc, receipts, config.ChainConfig{
		ChainID:      1,
		PollInterval: time.Millisecond,
		ReceiptWait:  200 * time.Millisecond,
	}, zap.NewNop())
}

func TestSubmitWaitsForReceipt(t *testing.T) {
	hash := common.HexToHash("0xabc")
	receipts := &fakeReceipts{pending: 2, status: types.ReceiptStatusSuccessful}
	rpc := &fakeRPC{hash: hash}
	w := newTestWallet(rpc, receipts)

	res, err := w.Submit(context.Background(), client, gateway.TxDescriptor{
		To: escrow, Data: "0x1234", Value: "1000", ChainID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, hash.Hex(), res.Hash)
	assert.Equal(t, uint64(42), res.BlockNumber)
	assert.Equal(t, 3, receipts.lookups)

	require.Len(t, rpc.args, 1)
	args := rpc.args[0].(sendTxArgs)
	assert.Equal(t, common.HexToAddress(client), args.From)
	assert.Equal(t, int64(1000), args.Value.ToInt().Int64())
}

func TestSubmitRejected(t *testing.T) {
	w := newTestWallet(&fakeRPC{err: rpcErr{code: codeUserRejected}}, &fakeReceipts{})
	_, err := w.Submit(context.Background(), client, gateway.TxDescriptor{To: escrow})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSubmitNoHash(t *testing.T) {
	w := newTestWallet(&fakeRPC{}, &fakeReceipts{})
	_, err := w.Submit(context.Background(), client, gateway.TxDescriptor{To: escrow})
	assert.ErrorIs(t, err, ErrNoHash)
}

func TestSubmitReverted(t *testing.T) {
	w := newTestWallet(&fakeRPC{hash: common.HexToHash("0x1")}, &fakeReceipts{status: types.ReceiptStatusFailed})
	_, err := w.Submit(context.Background(), client, gateway.TxDescriptor{To: escrow})

	var reverted *RevertedError
	assert.True(t, errors.As(err, &reverted))
}

func TestSubmitReceiptTimeout(t *testing.T) {
	hash := common.HexToHash("0x1")
	w := newTestWallet(&fakeRPC{hash: hash}, &fakeReceipts{pending: 1 << 30})
	_, err := w.Submit(context.Background(), client, gateway.TxDescriptor{To: escrow})
	assert.ErrorIs(t, err, ErrReceiptTimeout)

	var unconfirmed *gateway.UnconfirmedError
	require.ErrorAs(t, err, &unconfirmed)
	assert.Equal(t, hash.Hex(), unconfirmed.Hash)
}

func TestSubmitKeepsWaitingAfterCancel(t *testing.T) {
	hash := common.HexToHash("0xbeef")
	receipts := &fakeReceipts{pending: 40, status: types.ReceiptStatusSuccessful}
	w := newTestWallet(&fakeRPC{hash: hash}, receipts)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	res, err := w.Submit(ctx, client, gateway.TxDescriptor{To: escrow})
	require.NoError(t, err)
	assert.Equal(t, hash.Hex(), res.Hash)
	assert.Error(t, ctx.Err())
}

func TestSubmitCancelledReportsHashOnTimeout(t *testing.T) {
	hash := common.HexToHash("0xbeef")
	w := newTestWallet(&fakeRPC{hash: hash}, &fakeReceipts{pending: 1 << 30})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	_, err := w.Submit(ctx, client, gateway.TxDescriptor{To: escrow})
	assert.NotErrorIs(t, err, context.Canceled)

	var unconfirmed *gateway.UnconfirmedError
	require.ErrorAs(t, err, &unconfirmed)
	assert.Equal(t, hash.Hex(), unconfirmed.Hash)
}

func TestTxState(t *testing.T) {
	hash := common.HexToHash("0xabc").Hex()

	w := newTestWallet(&fakeRPC{}, &fakeReceipts{pending: 1, status: types.ReceiptStatusSuccessful})
	state, err := w.TxState(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, gateway.TxPending, state)

	state, err = w.TxState(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, gateway.TxConfirmed, state)

	w = newTestWallet(&fakeRPC{}, &fakeReceipts{status: types.ReceiptStatusFailed})
	state, err = w.TxState(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, gateway.TxReverted, state)
}

func TestSubmitValidation(t *testing.T) {
	w := newTestWallet(&fakeRPC{}, &fakeReceipts{})

	_, err := w.Submit(context.Background(), "not-an-address", gateway.TxDescriptor{To: escrow})
	assert.ErrorIs(t, err, ErrInvalidSender)

	_, err = w.Submit(context.Background(), client, gateway.TxDescriptor{To: escrow, ChainID: 5})
	assert.ErrorIs(t, err, ErrChainIDMismatch)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	v, err = ParseValue("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v.Int64())

	_, err = ParseValue("-1")
	assert.Error(t, err)
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0xAbCdEf0000000000000000000000000000000001", "0xabcdef0000000000000000000000000000000001"))
	assert.False(t, SameAddress(client, escrow))
	assert.False(t, SameAddress("", client))
}
