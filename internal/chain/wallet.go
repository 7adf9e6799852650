package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/pkg/config"
	"escrowflow/pkg/metrics"
)

// EIP-1193 user rejected request
const codeUserRejected = 4001

var (
	ErrNoHash          = errors.New("wallet returned no transaction hash")
	ErrRejected        = errors.New("transaction rejected by wallet")
	ErrReceiptTimeout  = errors.New("timed out waiting for transaction receipt")
	ErrInvalidSender   = errors.New("invalid sender address")
	ErrChainIDMismatch = errors.New("descriptor chain id does not match wallet chain")
)

// RevertedError 交易已上链但执行失败
type RevertedError struct {
	Hash string
}

func (e *RevertedError) Error() string {
	return "transaction reverted: " + e.Hash
}

type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Wallet 通过节点托管的账户签名并广播交易，然后轮询回执
type Wallet struct {
	rpc          rpcCaller
	receipts     receiptReader
	chainID      int64
	pollInterval time.Duration
	receiptWait  time.Duration
	logger       *zap.Logger
	closeFn      func()
}

// Dial connects to the chain RPC endpoint.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Wallet, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	w := NewWallet(rc, ethclient.NewClient(rc), cfg, logger)
	w.closeFn = rc.Close

	logger.Info("Chain RPC connected",
		zap.String("rpc_url", cfg.RPCURL),
		zap.Int64("chain_id", cfg.ChainID),
	)
	return w, nil
}

func NewWallet(caller rpcCaller, receipts receiptReader, cfg config.ChainConfig, logger *zap.Logger) *Wallet {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}
	wait := cfg.ReceiptWait
	if wait == 0 {
		wait = 3 * time.Minute
	}
	return &Wallet{
		rpc:          caller,
		receipts:     receipts,
		chainID:      cfg.ChainID,
		pollInterval: poll,
		receiptWait:  wait,
		logger:       logger,
	}
}

func (w *Wallet) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

type sendTxArgs struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Data    hexutil.Bytes  `json:"data,omitempty"`
	Value   *hexutil.Big   `json:"value,omitempty"`
	ChainID *hexutil.Big   `json:"chainId,omitempty"`
}

// Submit broadcasts the descriptor from `from` and waits for a successful receipt.
func (w *Wallet) Submit(ctx context.Context, from string, d gateway.TxDescriptor) (*gateway.TxResult, error) {
	start := time.Now()
	res, err := w.submit(ctx, from, d)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordGatewayCall("wallet", "submit", status, time.Since(start))
	return res, err
}

func (w *Wallet) submit(ctx context.Context, from string, d gateway.TxDescriptor) (*gateway.TxResult, error) {
	if !common.IsHexAddress(from) {
		return nil, ErrInvalidSender
	}
	if !common.IsHexAddress(d.To) {
		return nil, fmt.Errorf("invalid recipient address %q", d.To)
	}
	if w.chainID != 0 && d.ChainID != 0 && d.ChainID != w.chainID {
		return nil, ErrChainIDMismatch
	}

	args := sendTxArgs{
		From: common.HexToAddress(from),
		To:   common.HexToAddress(d.To),
	}
	if d.Data != "" {
		data, err := hexutil.Decode(d.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid calldata: %w", err)
		}
		args.Data = data
	}
	value, err := ParseValue(d.Value)
	if err != nil {
		return nil, err
	}
	args.Value = (*hexutil.Big)(value)
	if d.ChainID != 0 {
		args.ChainID = (*hexutil.Big)(big.NewInt(d.ChainID))
	}

	var hash common.Hash
	if err := w.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
			return nil, fmt.Errorf("%w: %s", ErrRejected, rpcErr.Error())
		}
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	if hash == (common.Hash{}) {
		return nil, ErrNoHash
	}

	w.logger.Info("Transaction broadcast",
		zap.String("tx_hash", hash.Hex()),
		zap.String("from", args.From.Hex()),
		zap.String("to", args.To.Hex()),
	)

	// 交易已经广播，请求取消后仍要等到回执或超时，哈希必须带回去
	receipt, err := w.waitReceipt(context.WithoutCancel(ctx), hash)
	if err != nil {
		return nil, &gateway.UnconfirmedError{Hash: hash.Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertedError{Hash: hash.Hex()}
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &gateway.TxResult{Hash: hash.Hex(), BlockNumber: block}, nil
}

func (w *Wallet) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.receiptWait)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.receipts.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			w.logger.Warn("Receipt lookup failed, will retry",
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TxState reports whether a broadcast transaction is still pending,
// confirmed or reverted.
func (w *Wallet) TxState(ctx context.Context, hash string) (gateway.TxState, error) {
	receipt, err := w.receipts.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return gateway.TxPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up receipt %s: %w", hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return gateway.TxReverted, nil
	}
	return gateway.TxConfirmed, nil
}

// ParseValue parses a wei amount given as decimal or 0x-prefixed hex. Empty means zero.
func ParseValue(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err := hexutil.DecodeBig(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", v, err)
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid value %q", v)
	}
	return n, nil
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
