package model

// Status 里程碑状态（封闭集合）
type Status string

const (
	StatusPendingFund             Status = "PENDING_FUND"
	StatusFunded                  Status = "FUNDED"
	StatusDelivered               Status = "DELIVERED"
	StatusApproved                Status = "APPROVED"
	StatusReleased                Status = "RELEASED"
	StatusDisputedByClient        Status = "DISPUTED_BY_CLIENT"
	StatusDisputedByFreelancer    Status = "DISPUTED_BY_FREELANCER"
	StatusDisputedWithCounterSide Status = "DISPUTED_WITH_COUNTER_SIDE"
	StatusResolvedToBuyer         Status = "RESOLVED_TO_BUYER"
	StatusResolvedToVendor        Status = "RESOLVED_TO_VENDOR"
	StatusCancelled               Status = "CANCELLED"
)

// AllStatuses lists every status in progress-bar order.
var AllStatuses = []Status{
	StatusPendingFund,
	StatusFunded,
	StatusDelivered,
	StatusApproved,
	StatusReleased,
	StatusDisputedByClient,
	StatusDisputedByFreelancer,
	StatusDisputedWithCounterSide,
	StatusResolvedToBuyer,
	StatusResolvedToVendor,
	StatusCancelled,
}

// StepIndex maps a status to its 1-11 progress step. Unknown statuses map to 0.
func StepIndex(s Status) int {
	switch s {
	case StatusPendingFund:
		return 1
	case StatusFunded:
		return 2
	case StatusDelivered:
		return 3
	case StatusApproved:
		return 4
	case StatusReleased:
		return 5
	case StatusDisputedByClient:
		return 6
	case StatusDisputedByFreelancer:
		return 7
	case StatusDisputedWithCounterSide:
		return 8
	case StatusResolvedToBuyer:
		return 9
	case StatusResolvedToVendor:
		return 10
	case StatusCancelled:
		return 11
	}
	return 0
}

// Valid reports whether s belongs to the closed set.
func (s Status) Valid() bool {
	return StepIndex(s) != 0
}

// Terminal 终态：不再接受任何动作
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusResolvedToBuyer, StatusResolvedToVendor, StatusCancelled:
		return true
	}
	return false
}

// DisputeInitiated reports whether one side has opened a dispute the other side has not joined yet.
func (s Status) DisputeInitiated() bool {
	return s == StatusDisputedByClient || s == StatusDisputedByFreelancer
}

// ParseStatus 从字符串解析状态
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	return s, s.Valid()
}
