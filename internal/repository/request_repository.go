package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"key-escrow-service/internal/domain"
)

// RequestModel はgorm用のモデル定義。
// ペイロードは要求種別ごとのタグ付きバリアントをJSONで保持する。
type RequestModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	Type      string    `gorm:"type:varchar(32);not null;index:idx_request_key"`
	KeyID     string    `gorm:"type:varchar(36);index:idx_request_key"`
	Requestor string    `gorm:"type:varchar(128)"`
	State     string    `gorm:"type:varchar(16);not null;index:idx_request_state"`
	Approvals int       `gorm:"not null;default:0"`
	Payload   []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (RequestModel) TableName() string {
	return "escrow_requests"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *RequestModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// unmarshalPayload は要求種別に対応するペイロード構造体へ復元する。
func unmarshalPayload(t domain.RequestType, data []byte) (domain.RequestPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch t {
	case domain.RequestTypeArchival:
		var p domain.ArchivalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case domain.RequestTypeRecovery:
		var p domain.RecoveryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case domain.RequestTypeKeyGeneration:
		var p domain.GenerationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown request type %q", t)
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *RequestModel) toDomain() (*domain.Request, error) {
	payload, err := unmarshalPayload(domain.RequestType(m.Type), m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding request payload: %w", err)
	}
	return &domain.Request{
		ID:        m.ID,
		Type:      domain.RequestType(m.Type),
		KeyID:     m.KeyID,
		Requestor: m.Requestor,
		State:     domain.RequestState(m.State),
		Approvals: m.Approvals,
		Payload:   payload,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func newRequestModel(req *domain.Request) (*RequestModel, error) {
	var payload []byte
	if req.Payload != nil {
		var err error
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
	}
	return &RequestModel{
		ID:        req.ID,
		Type:      string(req.Type),
		KeyID:     req.KeyID,
		Requestor: req.Requestor,
		State:     string(req.State),
		Approvals: req.Approvals,
		Payload:   payload,
	}, nil
}

// RequestRepository はエスクロー要求のデータアクセスを提供する。
type RequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository は新しいRequestRepositoryを生成する。
func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create は新しい要求を保存する。
func (r *RequestRepository) Create(ctx context.Context, req *domain.Request) error {
	model, err := newRequestModel(req)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create request",
			"operation", "create",
			"request_type", req.Type,
			"error", err,
		)
		return err
	}
	req.ID = model.ID
	req.CreatedAt = model.CreatedAt
	req.UpdatedAt = model.UpdatedAt
	return nil
}

// CreateRecovery は回復要求を保存する。
// key_idごとに未終端（PENDINGまたはAPPROVED）の回復要求は1件という
// 不変条件を同一トランザクション内のチェックと挿入で強制する。
func (r *RequestRepository) CreateRecovery(ctx context.Context, req *domain.Request) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&RequestModel{})
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var count int64
		err := q.Where("key_id = ? AND type = ? AND state IN ?",
			req.KeyID,
			string(domain.RequestTypeRecovery),
			[]string{string(domain.RequestStatePending), string(domain.RequestStateApproved)},
		).Count(&count).Error
		if err != nil {
			slog.ErrorContext(ctx, "failed to check outstanding recovery requests",
				"operation", "create_recovery",
				"key_id", req.KeyID,
				"error", err,
			)
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: a recovery request for key %s is already outstanding", domain.ErrConflict, req.KeyID)
		}

		model, err := newRequestModel(req)
		if err != nil {
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			slog.ErrorContext(ctx, "failed to create recovery request",
				"operation", "create_recovery",
				"key_id", req.KeyID,
				"error", err,
			)
			return err
		}
		req.ID = model.ID
		req.CreatedAt = model.CreatedAt
		req.UpdatedAt = model.UpdatedAt
		return nil
	})
}

// FindByID は指定されたIDの要求を取得する。存在しない場合はnilを返す。
func (r *RequestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	var model RequestModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find request",
			"operation", "find_by_id",
			"request_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindAll は全要求を作成日時の新しい順で取得する。
func (r *RequestRepository) FindAll(ctx context.Context) ([]*domain.Request, error) {
	var models []RequestModel
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find requests",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}
	requests := make([]*domain.Request, 0, len(models))
	for i := range models {
		req, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// UpdateStateIf は要求の状態を条件付きで遷移させる。
// 現在の状態がfromに含まれる場合のみ更新し、更新できたかどうかを返す。
func (r *RequestRepository) UpdateStateIf(ctx context.Context, id string, from []domain.RequestState, to domain.RequestState) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND state IN ?", id, states).
		Update("state", string(to))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to update request state",
			"operation", "update_state_if",
			"request_id", id,
			"to", to,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IncrementApprovals はPENDING状態の要求の承認数を1増やす。
func (r *RequestRepository) IncrementApprovals(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND state = ?", id, string(domain.RequestStatePending)).
		Update("approvals", gorm.Expr("approvals + 1")).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to increment approvals",
			"operation", "increment_approvals",
			"request_id", id,
			"error", err,
		)
	}
	return err
}
