// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"key-escrow-service/internal/domain"
)

// RequestRepository はエスクロー要求のデータアクセスのインターフェース。
type RequestRepository interface {
	Create(ctx context.Context, req *domain.Request) error
	CreateRecovery(ctx context.Context, req *domain.Request) error
	FindByID(ctx context.Context, id string) (*domain.Request, error)
	FindAll(ctx context.Context) ([]*domain.Request, error)
	UpdateStateIf(ctx context.Context, id string, from []domain.RequestState, to domain.RequestState) (bool, error)
	IncrementApprovals(ctx context.Context, id string) error
}

// PolicyEngine は承認判定を行う外部コラボレータのインターフェース。
// 判定のルール言語には関知せず、不透明な述語として扱う。
type PolicyEngine interface {
	Decide(ctx context.Context, req *domain.Request) (domain.Decision, error)
}

// RequestService は要求ライフサイクルの状態機械を提供する。
// 遷移は PENDING → {APPROVED | REJECTED | CANCELED}、APPROVED → COMPLETE のみで、
// 不正な遷移は並べ替えられることなく拒否される。
type RequestService struct {
	repo   RequestRepository
	policy PolicyEngine
}

// NewRequestService は新しいRequestServiceを生成する。
func NewRequestService(repo RequestRepository, policy PolicyEngine) *RequestService {
	return &RequestService{
		repo:   repo,
		policy: policy,
	}
}

// Submit は新しい要求をPENDING状態で登録する。
// 回復要求はkey_idごとの未終端要求の一意性制約付きで挿入される。
func (s *RequestService) Submit(ctx context.Context, req *domain.Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.State = domain.RequestStatePending

	if req.Type == domain.RequestTypeRecovery {
		return s.repo.CreateRecovery(ctx, req)
	}
	return s.repo.Create(ctx, req)
}

// Approve は要求の承認を試みる。承認判定はポリシーエンジンに委譲する。
// APPROVED済み要求への再承認はリトライされたネットワーク呼び出しへの
// 冪等性のため成功を返す。終端状態の要求の承認はErrInvalidTransition。
func (s *RequestService) Approve(ctx context.Context, id string) (*domain.Request, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}

	switch {
	case req.State == domain.RequestStateApproved:
		// 冪等: 承認済みの再承認は副作用なしで成功
		return req, nil
	case req.State.Terminal():
		return nil, fmt.Errorf("%w: cannot approve request %s in state %s", domain.ErrInvalidTransition, id, req.State)
	}

	if err := s.repo.IncrementApprovals(ctx, id); err != nil {
		return nil, err
	}
	req.Approvals++

	decision, err := s.policy.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("policy decision: %w", err)
	}

	switch decision {
	case domain.DecisionDenied:
		return nil, fmt.Errorf("%w: approval denied by policy", domain.ErrForbidden)
	case domain.DecisionNeedsMoreApprovals:
		slog.InfoContext(ctx, "request needs more approvals",
			"request_id", id,
			"approvals", req.Approvals,
		)
		return req, nil
	case domain.DecisionApproved:
		ok, err := s.repo.UpdateStateIf(ctx, id, []domain.RequestState{domain.RequestStatePending}, domain.RequestStateApproved)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 並行して状態が変わった場合は読み直して判定する
			current, err := s.repo.FindByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if current != nil && current.State == domain.RequestStateApproved {
				return current, nil
			}
			return nil, fmt.Errorf("%w: request %s left pending state concurrently", domain.ErrInvalidTransition, id)
		}
		req.State = domain.RequestStateApproved
		return req, nil
	}
	return nil, fmt.Errorf("policy returned unknown decision %q", decision)
}

// Reject は要求を拒否する。PENDING状態からのみ遷移できる。
func (s *RequestService) Reject(ctx context.Context, id string) (*domain.Request, error) {
	return s.transitionFromPending(ctx, id, domain.RequestStateRejected)
}

// Cancel は要求を取り消す。PENDING状態からのみ遷移できる。
// 一度APPROVEDになった回復要求はエクスポートが観測済みの可能性があるため取り消せない。
func (s *RequestService) Cancel(ctx context.Context, id string) (*domain.Request, error) {
	return s.transitionFromPending(ctx, id, domain.RequestStateCanceled)
}

func (s *RequestService) transitionFromPending(ctx context.Context, id string, to domain.RequestState) (*domain.Request, error) {
	ok, err := s.repo.UpdateStateIf(ctx, id, []domain.RequestState{domain.RequestStatePending}, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		req, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: cannot move request %s from %s to %s", domain.ErrInvalidTransition, id, req.State, to)
	}
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Complete は要求を完了させる。APPROVED状態からのみ遷移でき、
// エクスポート成功後にRetrieveから内部的に呼ばれる。
func (s *RequestService) Complete(ctx context.Context, id string) error {
	ok, err := s.repo.UpdateStateIf(ctx, id, []domain.RequestState{domain.RequestStateApproved}, domain.RequestStateComplete)
	if err != nil {
		return err
	}
	if !ok {
		req, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
		}
		return fmt.Errorf("%w: cannot complete request %s in state %s", domain.ErrInvalidTransition, id, req.State)
	}
	return nil
}

// AuthorizeImmediate は同期的に処理される要求（預託・鍵生成）の承認を判定する。
// ポリシーが即時承認しない場合、要求は拒否され呼び出しは失敗する。
func (s *RequestService) AuthorizeImmediate(ctx context.Context, req *domain.Request) error {
	decision, err := s.policy.Decide(ctx, req)
	if err != nil {
		return fmt.Errorf("policy decision: %w", err)
	}
	if decision != domain.DecisionApproved {
		if _, rejectErr := s.repo.UpdateStateIf(ctx, req.ID, []domain.RequestState{domain.RequestStatePending}, domain.RequestStateRejected); rejectErr != nil {
			slog.ErrorContext(ctx, "failed to reject unauthorized request",
				"request_id", req.ID,
				"error", rejectErr,
			)
		}
		return fmt.Errorf("%w: request type %s requires immediate policy approval", domain.ErrForbidden, req.Type)
	}
	ok, err := s.repo.UpdateStateIf(ctx, req.ID, []domain.RequestState{domain.RequestStatePending}, domain.RequestStateApproved)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %s left pending state concurrently", domain.ErrInvalidTransition, req.ID)
	}
	req.State = domain.RequestStateApproved
	return nil
}

// MarkFailed は処理途中で失敗した同期要求を終端状態に落とす内部用の遷移。
// 呼び出し側から見えるreject/cancelとは異なりAPPROVEDからも遷移する。
func (s *RequestService) MarkFailed(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.repo.UpdateStateIf(ctx, id,
		[]domain.RequestState{domain.RequestStatePending, domain.RequestStateApproved},
		domain.RequestStateRejected,
	); err != nil {
		slog.ErrorContext(ctx, "failed to mark request as failed",
			"request_id", id,
			"error", err,
		)
	}
}

// Get は指定されたIDの要求を取得する。
func (s *RequestService) Get(ctx context.Context, id string) (*domain.Request, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	return req, nil
}

// List は全要求を取得する。
func (s *RequestService) List(ctx context.Context) ([]*domain.Request, error) {
	return s.repo.FindAll(ctx)
}
