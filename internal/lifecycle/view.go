package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"escrowflow/internal/model"
)

// MilestoneView 界面展示用：状态、进度步数、交付中/已交付标记
type MilestoneView struct {
	model.Milestone
	Step         int  `json:"step"`
	IsDelivering bool `json:"is_delivering"`
	IsDelivered  bool `json:"is_delivered"`
}

type JobView struct {
	model.Job
	Milestones []MilestoneView `json:"milestones"`
}

// Jobs returns the cached jobs visible to userID (all jobs when userID is empty).
func (c *Controller) Jobs(ctx context.Context, userID string) []JobView {
	jobs := c.store.Snapshot()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		if userID != "" && !involves(j, userID) {
			continue
		}
		view := JobView{Job: j, Milestones: make([]MilestoneView, 0, len(j.Milestones))}
		for _, m := range j.Milestones {
			view.Milestones = append(view.Milestones, c.milestoneView(ctx, m))
		}
		out = append(out, view)
	}
	return out
}

// Milestone returns the view of one cached milestone.
func (c *Controller) Milestone(ctx context.Context, id string) (MilestoneView, error) {
	m, ok := c.store.Milestone(id)
	if !ok {
		return MilestoneView{}, ErrMilestoneNotFound
	}
	return c.milestoneView(ctx, m), nil
}

func (c *Controller) milestoneView(ctx context.Context, m model.Milestone) MilestoneView {
	v := MilestoneView{Milestone: m, Step: model.StepIndex(m.Status)}

	state, err := c.guard.State(ctx, m.ID)
	if err != nil {
		c.logger.Warn("Failed to read delivery guard", zap.String("milestone_id", m.ID), zap.Error(err))
	}
	v.IsDelivering = state == DeliveryInProgress
	// 守卫状态可能已过期或进程重启，已写入 ipfs 也视为已交付
	v.IsDelivered = state == DeliveryDone || (m.IPFS != nil && *m.IPFS != "")
	return v
}

func involves(j model.Job, userID string) bool {
	if j.ClientID == userID {
		return true
	}
	for _, m := range j.Milestones {
		if m.FreelancerID == userID {
			return true
		}
	}
	for _, a := range j.Applications {
		if a.FreelancerID == userID {
			return true
		}
	}
	return false
}
