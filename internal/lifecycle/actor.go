package lifecycle

import (
	"escrowflow/internal/chain"
	"escrowflow/internal/model"
	"escrowflow/pkg/rbac"
)

// Actor 发起动作的用户及其当前连接的钱包
type Actor struct {
	UserID string
	Wallet string
}

var actionPermissions = map[model.Action]string{
	model.ActionFund:        rbac.PermissionMilestoneFund,
	model.ActionCancel:      rbac.PermissionMilestoneCancel,
	model.ActionDeliver:     rbac.PermissionMilestoneDeliver,
	model.ActionApprove:     rbac.PermissionMilestoneApprove,
	model.ActionWithdraw:    rbac.PermissionMilestoneWithdraw,
	model.ActionDispute:     rbac.PermissionMilestoneDispute,
	model.ActionJoinDispute: rbac.PermissionMilestoneJoin,
	model.ActionResolve:     rbac.PermissionMilestoneResolve,
}

// roleOf 按 user id 判断参与方，仲裁者只按钱包判断
func roleOf(ms model.Milestone, job model.Job, actor Actor, arbiterWallet string) (model.Role, string, bool) {
	switch {
	case actor.UserID != "" && actor.UserID == job.ClientID:
		return model.RoleClient, job.ClientWallet, true
	case actor.UserID != "" && actor.UserID == ms.FreelancerID:
		return model.RoleFreelancer, ms.FreelancerWallet, true
	case arbiterWallet != "" && chain.SameAddress(actor.Wallet, arbiterWallet):
		return model.RoleArbiter, arbiterWallet, true
	}
	return "", "", false
}

// assertActor checks the actor may perform action on ms and that the connected
// wallet is the one on record. It makes no network calls.
func assertActor(action model.Action, ms model.Milestone, job model.Job, actor Actor, arbiterWallet string) (model.Role, error) {
	deny := func(reason string, err error) (model.Role, error) {
		return "", &AuthorizationError{Action: action, UserID: actor.UserID, Reason: reason, Err: err}
	}

	if ms.JobID != job.ID {
		return deny("milestone does not belong to job", nil)
	}

	role, onRecord, ok := roleOf(ms, job, actor, arbiterWallet)
	if !ok {
		return deny("not a party to this job", nil)
	}

	permission, ok := actionPermissions[action]
	if !ok {
		return deny("unknown action", nil)
	}
	if err := rbac.CheckPermission(actor.UserID, string(role), permission); err != nil {
		return deny("role "+string(role)+" cannot "+string(action), err)
	}

	// 加入争议只能由非发起方完成
	if action == model.ActionJoinDispute {
		if counter, ok := model.CounterSide(ms.Status); ok && counter != role {
			return deny("only the counter side can join this dispute", nil)
		}
	}

	if err := rbac.ValidateWallet(actor.Wallet, onRecord, chain.SameAddress); err != nil {
		return deny("connected wallet does not match the address on record", err)
	}
	return role, nil
}
