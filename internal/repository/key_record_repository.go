// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"key-escrow-service/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	ClientKeyID  string    `gorm:"type:varchar(128);not null;index:idx_client_key_id;index:idx_client_status"`
	DataType     string    `gorm:"type:varchar(32);not null"`
	Algorithm    string    `gorm:"type:varchar(32)"`
	KeySize      int       `gorm:"not null;default:0"`
	Status       string    `gorm:"type:varchar(16);not null;default:'active';index:idx_client_status"`
	Owner        string    `gorm:"type:varchar(128)"`
	Realm        string    `gorm:"type:varchar(128)"`
	PublicKey    []byte    `gorm:"type:blob"`
	StoredSecret []byte    `gorm:"type:blob;not null"`
	CreatedAt    time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		ID:           m.ID,
		ClientKeyID:  m.ClientKeyID,
		DataType:     domain.DataType(m.DataType),
		Algorithm:    m.Algorithm,
		KeySize:      m.KeySize,
		Status:       domain.KeyStatus(m.Status),
		Owner:        m.Owner,
		Realm:        m.Realm,
		PublicKey:    m.PublicKey,
		StoredSecret: m.StoredSecret,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func newKeyRecordModel(rec *domain.KeyRecord) *KeyRecordModel {
	return &KeyRecordModel{
		ID:           rec.ID,
		ClientKeyID:  rec.ClientKeyID,
		DataType:     string(rec.DataType),
		Algorithm:    rec.Algorithm,
		KeySize:      rec.KeySize,
		Status:       string(rec.Status),
		Owner:        rec.Owner,
		Realm:        rec.Realm,
		PublicKey:    rec.PublicKey,
		StoredSecret: rec.StoredSecret,
	}
}

// KeyRecordRepository は鍵レコードのデータアクセスを提供する。
type KeyRecordRepository struct {
	db *gorm.DB
}

// NewKeyRecordRepository は新しいKeyRecordRepositoryを生成する。
func NewKeyRecordRepository(db *gorm.DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

// activeCountQuery はclient_key_idに対するACTIVEレコード数の問い合わせを組み立てる。
// MySQLでは行ロックを取り、トランザクション内のチェックと挿入を直列化する。
func activeCountQuery(tx *gorm.DB) *gorm.DB {
	q := tx.Model(&KeyRecordModel{})
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// ExistsActiveByClientKeyID は指定されたclient_key_idのACTIVEレコードが存在するか確認する。
func (r *KeyRecordRepository) ExistsActiveByClientKeyID(ctx context.Context, clientKeyID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("client_key_id = ? AND status = ?", clientKeyID, string(domain.KeyStatusActive)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count active key records",
			"operation", "exists_active_by_client_key_id",
			"client_key_id", clientKeyID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// CreateActive は新しいACTIVEレコードを保存する。
// client_key_idごとにACTIVEレコードは1件という不変条件を
// 同一トランザクション内のチェックと挿入で強制する。
func (r *KeyRecordRepository) CreateActive(ctx context.Context, rec *domain.KeyRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createActiveTx(ctx, tx, rec)
	})
}

func createActiveTx(ctx context.Context, tx *gorm.DB, rec *domain.KeyRecord) error {
	var count int64
	err := activeCountQuery(tx).
		Where("client_key_id = ? AND status = ?", rec.ClientKeyID, string(domain.KeyStatusActive)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check active key records",
			"operation", "create_active",
			"client_key_id", rec.ClientKeyID,
			"error", err,
		)
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: active key record already exists for client_key_id %q", domain.ErrConflict, rec.ClientKeyID)
	}

	model := newKeyRecordModel(rec)
	if err := tx.Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key record",
			"operation", "create_active",
			"client_key_id", rec.ClientKeyID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	rec.UpdatedAt = model.UpdatedAt
	return nil
}

// CreateActiveCompleting はレコードの挿入と要求のAPPROVED→COMPLETE遷移を
// 1トランザクションでコミットする。途中失敗時はどちらも残らない。
func (r *KeyRecordRepository) CreateActiveCompleting(ctx context.Context, rec *domain.KeyRecord, requestID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createActiveTx(ctx, tx, rec); err != nil {
			return err
		}
		res := tx.Model(&RequestModel{}).
			Where("id = ? AND state = ?", requestID, string(domain.RequestStateApproved)).
			Updates(map[string]interface{}{
				"state":  string(domain.RequestStateComplete),
				"key_id": rec.ID,
			})
		if res.Error != nil {
			slog.ErrorContext(ctx, "failed to complete request",
				"operation", "create_active_completing",
				"request_id", requestID,
				"error", res.Error,
			)
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: request %s is not approved", domain.ErrInvalidTransition, requestID)
		}
		return nil
	})
}

// FindByID は指定されたIDのレコードを取得する。存在しない場合はnilを返す。
func (r *KeyRecordRepository) FindByID(ctx context.Context, id string) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", "find_by_id",
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAll は全レコードを作成日時順で取得する。
func (r *KeyRecordRepository) FindAll(ctx context.Context) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key records",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}
	records := make([]*domain.KeyRecord, len(models))
	for i, m := range models {
		records[i] = m.toDomain()
	}
	return records, nil
}

// UpdateStatus は指定されたレコードのステータスを更新する。
// ACTIVEへ戻す場合は同じclient_key_idの別のACTIVEレコードが
// 存在しないことを同一トランザクション内で確認する。
func (r *KeyRecordRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) (*domain.KeyRecord, error) {
	var updated *domain.KeyRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model KeyRecordModel
		if err := tx.Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: key record %s", domain.ErrNotFound, id)
			}
			return err
		}
		if model.Status == string(status) {
			return fmt.Errorf("%w: key record %s is already %s", domain.ErrConflict, id, status)
		}

		if status == domain.KeyStatusActive {
			var count int64
			err := activeCountQuery(tx).
				Where("client_key_id = ? AND status = ? AND id <> ?", model.ClientKeyID, string(domain.KeyStatusActive), id).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: another active key record exists for client_key_id %q", domain.ErrConflict, model.ClientKeyID)
			}
		}

		if err := tx.Model(&KeyRecordModel{}).Where("id = ?", id).Update("status", string(status)).Error; err != nil {
			slog.ErrorContext(ctx, "failed to update key record status",
				"operation", "update_status",
				"key_id", id,
				"status", status,
				"error", err,
			)
			return err
		}
		model.Status = string(status)
		updated = model.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
