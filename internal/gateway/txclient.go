package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/trace"
)

// StatusError 交易构建后端返回的非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tx builder returned error: %d %s", e.Code, e.Body)
}

// Retryable 5xx 可重试，4xx 是请求本身的问题
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}

// TxClient 调用交易构建后端生成未签名交易
type TxClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewTxClient(baseURL string, timeout time.Duration, logger *zap.Logger) *TxClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	cbCfg := circuitbreaker.DefaultConfig("tx_builder")
	// 4xx 是调用方的问题，不触发熔断
	cbCfg.IsFailure = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Retryable()
		}
		return !errors.Is(err, context.Canceled)
	}
	cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &TxClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout, // 上传交付物可能较慢
		},
		breaker: circuitbreaker.NewCircuitBreaker(cbCfg),
		logger:  logger,
	}
}

// Request asks the builder for an unsigned transaction.
// Deliver requests are sent as multipart with the artifact in the "file" field.
func (c *TxClient) Request(ctx context.Context, req TxRequest) (*TxDescriptor, error) {
	start := time.Now()
	var desc *TxDescriptor

	err := c.breaker.Execute(func() error {
		var err error
		desc, err = c.do(ctx, req)
		return err
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordGatewayCall("tx_builder", string(req.Action), status, time.Since(start))

	if err != nil {
		return nil, fmt.Errorf("failed to request %s transaction: %w", req.Action, err)
	}
	return desc, nil
}

// writeArtifactForm 写出 deliver 的 multipart 表单，返回 Content-Type
func writeArtifactForm(w io.Writer, req TxRequest) (string, error) {
	mw := multipart.NewWriter(w)
	if err := mw.WriteField("actor_id", req.ActorID); err != nil {
		return "", fmt.Errorf("failed to write actor_id field: %w", err)
	}
	if err := mw.WriteField("chain_id", strconv.FormatInt(req.ChainID, 10)); err != nil {
		return "", fmt.Errorf("failed to write chain_id field: %w", err)
	}
	part, err := mw.CreateFormFile("file", req.Artifact.Name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, req.Artifact.Body); err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

func (c *TxClient) do(ctx context.Context, req TxRequest) (*TxDescriptor, error) {
	endpoint := fmt.Sprintf("%s/milestones/%s/tx/%s", c.baseURL, url.PathEscape(req.MilestoneID), req.Action)

	var (
		body        io.Reader
		contentType string
	)
	if req.Artifact != nil {
		buf := &bytes.Buffer{}
		ct, err := writeArtifactForm(buf, req)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	} else {
		b, err := json.Marshal(map[string]any{
			"actor_id": req.ActorID,
			"chain_id": req.ChainID,
		})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if id := trace.FromContext(ctx); id != "" {
		httpReq.Header.Set(trace.HeaderName(), id)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	var desc TxDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to decode tx descriptor: %w", err)
	}
	if desc.To == "" {
		return nil, errors.New("tx descriptor has no recipient")
	}
	if desc.ChainID == 0 {
		desc.ChainID = req.ChainID
	}
	return &desc, nil
}
