package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/gateway"
	"escrowflow/internal/lifecycle"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
)

// Controller 是 handler 用到的生命周期操作
type Controller interface {
	Fund(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	Cancel(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	Deliver(ctx context.Context, id string, actor lifecycle.Actor, artifact gateway.Artifact) (*lifecycle.Outcome, error)
	Approve(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	Withdraw(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	Dispute(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	JoinDispute(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)
	Resolve(ctx context.Context, id string, actor lifecycle.Actor, resolution model.Resolution, txHash string) (*lifecycle.Outcome, error)
	Jobs(ctx context.Context, userID string) []lifecycle.JobView
	Milestone(ctx context.Context, id string) (lifecycle.MilestoneView, error)
}

// Toast 所有动作接口的统一响应
type Toast struct {
	OK                   bool             `json:"ok"`
	Message              string           `json:"message"`
	Kind                 string           `json:"kind,omitempty"`
	Milestone            *model.Milestone `json:"milestone,omitempty"`
	TxHash               string           `json:"tx_hash,omitempty"`
	Warnings             []string         `json:"warnings,omitempty"`
	ReconciliationQueued bool             `json:"reconciliation_queued,omitempty"`
}

type MilestoneHandler struct {
	ctrl   Controller
	logger *zap.Logger
}

func NewMilestoneHandler(ctrl Controller, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{ctrl: ctrl, logger: logger}
}

// actor 从 AuthMiddleware 写入的 context 读取身份
func actor(c *gin.Context) lifecycle.Actor {
	return lifecycle.Actor{UserID: c.GetString("user_id"), Wallet: c.GetString("wallet")}
}

// GetJobs handles GET /jobs
func (h *MilestoneHandler) GetJobs(c *gin.Context) {
	userID := c.GetString("user_id")
	if c.Query("scope") == "all" {
		userID = ""
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.ctrl.Jobs(c.Request.Context(), userID)})
}

// GetMilestone handles GET /milestones/:id
func (h *MilestoneHandler) GetMilestone(c *gin.Context) {
	view, err := h.ctrl.Milestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), Toast{Message: err.Error(), Kind: lifecycle.Kind(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": view})
}

type simpleAction func(ctx context.Context, id string, actor lifecycle.Actor) (*lifecycle.Outcome, error)

func (h *MilestoneHandler) run(fn simpleAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := fn(c.Request.Context(), c.Param("id"), actor(c))
		h.respond(c, out, err)
	}
}

func (h *MilestoneHandler) Fund() gin.HandlerFunc        { return h.run(h.ctrl.Fund) }
func (h *MilestoneHandler) Cancel() gin.HandlerFunc      { return h.run(h.ctrl.Cancel) }
func (h *MilestoneHandler) Approve() gin.HandlerFunc     { return h.run(h.ctrl.Approve) }
func (h *MilestoneHandler) Withdraw() gin.HandlerFunc    { return h.run(h.ctrl.Withdraw) }
func (h *MilestoneHandler) Dispute() gin.HandlerFunc     { return h.run(h.ctrl.Dispute) }
func (h *MilestoneHandler) JoinDispute() gin.HandlerFunc { return h.run(h.ctrl.JoinDispute) }

// Deliver handles POST /milestones/:id/deliver (multipart, field "file")
func (h *MilestoneHandler) Deliver(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, Toast{Message: "deliverable file is required", Kind: "bad_request"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, Toast{Message: "failed to read deliverable", Kind: "bad_request"})
		return
	}
	defer f.Close()

	out, err := h.ctrl.Deliver(c.Request.Context(), c.Param("id"), actor(c), gateway.Artifact{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        f,
	})
	h.respond(c, out, err)
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=buyer vendor"`
	TxHash  string `json:"tx_hash" binding:"required"`
}

// Resolve handles POST /milestones/:id/resolve
func (h *MilestoneHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Toast{Message: "outcome (buyer|vendor) and tx_hash are required", Kind: "bad_request"})
		return
	}
	out, err := h.ctrl.Resolve(c.Request.Context(), c.Param("id"), actor(c), model.Resolution(req.Outcome), req.TxHash)
	h.respond(c, out, err)
}

func (h *MilestoneHandler) respond(c *gin.Context, out *lifecycle.Outcome, err error) {
	if err == nil {
		m := out.Milestone
		c.JSON(http.StatusOK, Toast{
			OK:        true,
			Message:   lifecycle.SuccessMessage(out.Action, out.Milestone.Status),
			Kind:      lifecycle.Kind(nil),
			Milestone: &m,
			TxHash:    out.TxHash,
			Warnings:  out.Warnings,
		})
		return
	}

	kind := lifecycle.Kind(err)
	toast := Toast{Message: err.Error(), Kind: kind}
	var pe *lifecycle.PersistenceError
	if errors.As(err, &pe) {
		toast.TxHash = pe.TxHash
		toast.ReconciliationQueued = pe.Queued
	}
	var ue *lifecycle.UnconfirmedError
	if errors.As(err, &ue) {
		toast.TxHash = ue.TxHash
		toast.ReconciliationQueued = ue.Queued
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Milestone action failed",
			zap.String("milestone_id", c.Param("id")),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	c.JSON(status, toast)
}

// StatusFor maps a lifecycle error to an HTTP status.
func StatusFor(err error) int {
	switch lifecycle.Kind(err) {
	case "success":
		return http.StatusOK
	case "authorization":
		return http.StatusForbidden
	case "invalid_transition", "conflict":
		return http.StatusConflict
	case "unconfirmed":
		return http.StatusAccepted
	case "gateway":
		return http.StatusBadGateway
	case "not_found":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
