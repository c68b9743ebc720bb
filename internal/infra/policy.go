package infra

import (
	"context"

	"key-escrow-service/internal/domain"
)

// ThresholdPolicy は承認数のしきい値に基づくポリシーエンジン。
// 回復要求は設定された数の承認が集まるまでNeedsMoreApprovalsを返し、
// 預託・鍵生成要求は即時承認する。
type ThresholdPolicy struct {
	requiredApprovals int
}

// NewThresholdPolicy は新しいThresholdPolicyを生成する。
// requiredApprovalsが1未満の場合は1として扱う。
func NewThresholdPolicy(requiredApprovals int) *ThresholdPolicy {
	if requiredApprovals < 1 {
		requiredApprovals = 1
	}
	return &ThresholdPolicy{requiredApprovals: requiredApprovals}
}

// Decide は要求に対する承認判定を返す。
func (p *ThresholdPolicy) Decide(ctx context.Context, req *domain.Request) (domain.Decision, error) {
	if req.Type != domain.RequestTypeRecovery {
		return domain.DecisionApproved, nil
	}
	if req.Approvals >= p.requiredApprovals {
		return domain.DecisionApproved, nil
	}
	return domain.DecisionNeedsMoreApprovals, nil
}
