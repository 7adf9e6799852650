package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/model"
	"escrowflow/pkg/circuitbreaker"
)

func TestTxClientRequestJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/milestones/m1/tx/fund", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["actor_id"])

		_ = json.NewEncoder(w).Encode(TxDescriptor{To: "0xescrow", Data: "0x01", Value: "100"})
	}))
	defer srv.Close()

	c := NewTxClient(srv.URL, time.Second, zap.NewNop())
	desc, err := c.Request(context.Background(), TxRequest{
		Action: model.ActionFund, MilestoneID: "m1", ActorID: "u1", ChainID: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xescrow", desc.To)
	assert.Equal(t, int64(5), desc.ChainID)
}

func TestTxClientRequestMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/milestones/m1/tx/deliver", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "u2", r.FormValue("actor_id"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "report.pdf", hdr.Filename)
		assert.Equal(t, "hello", string(b))

		_ = json.NewEncoder(w).Encode(TxDescriptor{To: "0xescrow", ChainID: 1, CID: "bafy"})
	}))
	defer srv.Close()

	c := NewTxClient(srv.URL, time.Second, zap.NewNop())
	desc, err := c.Request(context.Background(), TxRequest{
		Action:      model.ActionDeliver,
		MilestoneID: "m1",
		ActorID:     "u2",
		ChainID:     1,
		Artifact:    &Artifact{Name: "report.pdf", Body: strings.NewReader("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "bafy", desc.CID)
}

func TestTxClientStatusErrors(t *testing.T) {
	code := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", code)
	}))
	defer srv.Close()

	c := NewTxClient(srv.URL, time.Second, zap.NewNop())
	req := TxRequest{Action: model.ActionApprove, MilestoneID: "m1"}

	// 4xx 不计入熔断
	for i := 0; i < 10; i++ {
		_, err := c.Request(context.Background(), req)
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.False(t, se.Retryable())
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.GetState())

	code = http.StatusBadGateway
	for i := 0; i < 5; i++ {
		_, _ = c.Request(context.Background(), req)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.GetState())

	_, err := c.Request(context.Background(), req)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteArtifactFormReturnsWriteErrors(t *testing.T) {
	req := TxRequest{
		Action:   model.ActionDeliver,
		ActorID:  "u1",
		ChainID:  1,
		Artifact: &Artifact{Name: "work.zip", Body: strings.NewReader("payload")},
	}
	_, err := writeArtifactForm(brokenWriter{}, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor_id")
	assert.Contains(t, err.Error(), "disk full")
}
