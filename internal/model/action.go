package model

// Action 用户（或仲裁者）对里程碑执行的动作
type Action string

const (
	ActionFund        Action = "fund"
	ActionCancel      Action = "cancel"
	ActionDeliver     Action = "deliver"
	ActionApprove     Action = "approve"
	ActionWithdraw    Action = "withdraw"
	ActionDispute     Action = "dispute"
	ActionJoinDispute Action = "join_dispute"
	ActionResolve     Action = "resolve"
)

// Role 参与方角色
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleArbiter    Role = "arbiter"
)

// Resolution is the arbiter's verdict on a fully-joined dispute.
type Resolution string

const (
	ResolutionBuyer  Resolution = "buyer"
	ResolutionVendor Resolution = "vendor"
)

// sources lists the statuses each action may fire from.
var sources = map[Action][]Status{
	ActionFund:        {StatusPendingFund},
	ActionCancel:      {StatusPendingFund},
	ActionDeliver:     {StatusFunded},
	ActionApprove:     {StatusDelivered},
	ActionWithdraw:    {StatusApproved},
	ActionDispute:     {StatusFunded, StatusDelivered, StatusApproved},
	ActionJoinDispute: {StatusDisputedByClient, StatusDisputedByFreelancer},
	ActionResolve:     {StatusDisputedWithCounterSide},
}

// Sources returns the statuses an action is allowed from.
func (a Action) Sources() []Status {
	return sources[a]
}

// AllowedFrom reports whether the action may fire from status s.
func (a Action) AllowedFrom(s Status) bool {
	for _, src := range sources[a] {
		if src == s {
			return true
		}
	}
	return false
}

// Target computes the status an action leads to from status `from`.
// role decides the dispute side; resolution is only read for ActionResolve.
// ok is false when the edge does not exist.
func Target(a Action, from Status, role Role, resolution Resolution) (Status, bool) {
	if !a.AllowedFrom(from) {
		return "", false
	}

	switch a {
	case ActionFund:
		return StatusFunded, true
	case ActionCancel:
		return StatusCancelled, true
	case ActionDeliver:
		return StatusDelivered, true
	case ActionApprove:
		return StatusApproved, true
	case ActionWithdraw:
		return StatusReleased, true
	case ActionDispute:
		switch role {
		case RoleClient:
			return StatusDisputedByClient, true
		case RoleFreelancer:
			return StatusDisputedByFreelancer, true
		}
	case ActionJoinDispute:
		return StatusDisputedWithCounterSide, true
	case ActionResolve:
		switch resolution {
		case ResolutionBuyer:
			return StatusResolvedToBuyer, true
		case ResolutionVendor:
			return StatusResolvedToVendor, true
		}
	}
	return "", false
}

// CounterSide returns the role allowed to join a dispute opened in status s.
func CounterSide(s Status) (Role, bool) {
	switch s {
	case StatusDisputedByClient:
		return RoleFreelancer, true
	case StatusDisputedByFreelancer:
		return RoleClient, true
	}
	return "", false
}
