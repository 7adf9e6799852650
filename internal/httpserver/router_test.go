package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/internal/handler"
	"escrowflow/internal/lifecycle"
	"escrowflow/internal/model"
	"escrowflow/pkg/trace"
	"escrowflow/pkg/util"
)

type stubController struct {
	handler.Controller
	lastUser string
}

func (s *stubController) Jobs(_ context.Context, userID string) []lifecycle.JobView {
	s.lastUser = userID
	return nil
}

func (s *stubController) Fund(_ context.Context, id string, a lifecycle.Actor) (*lifecycle.Outcome, error) {
	return &lifecycle.Outcome{Action: model.ActionFund, Milestone: model.Milestone{ID: id}}, nil
}

func (s *stubController) Milestone(_ context.Context, id string) (lifecycle.MilestoneView, error) {
	return lifecycle.MilestoneView{Milestone: model.Milestone{ID: id}}, nil
}

func (s *stubController) Deliver(context.Context, string, lifecycle.Actor, gateway.Artifact) (*lifecycle.Outcome, error) {
	return nil, errors.New("not used")
}

func newTestRouter(t *testing.T, ready ReadyCheck) (*gin.Engine, *stubController) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := &stubController{}
	r := NewRouter(handler.NewMilestoneHandler(ctrl, zap.NewNop()), "secret", ready, zap.NewNop())
	return r.Engine, ctrl
}

func TestHealthAndReady(t *testing.T) {
	engine, _ := newTestRouter(t, func(context.Context) error { return errors.New("db down") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	engine, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticatedRequest(t *testing.T) {
	engine, ctrl := newTestRouter(t, nil)
	tok, err := util.GenerateJWT("client-1", "0xabc", "secret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(trace.HeaderName(), "trace-123")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-1", ctrl.lastUser)
	assert.Equal(t, "trace-123", w.Header().Get(trace.HeaderName()))

	req = httptest.NewRequest(http.MethodPost, "/milestones/m9/fund", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"m9"`)
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName()))

	req = httptest.NewRequest(http.MethodGet, "/milestones/m9", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"milestone":{"id":"m9"`)
}
