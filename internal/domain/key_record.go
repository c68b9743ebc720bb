// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// 鍵アルゴリズムの識別子。
const (
	AlgorithmAES = "AES"
	AlgorithmRSA = "RSA"
	AlgorithmDSA = "DSA"
)

// KeyStatus はエスクローされた鍵レコードのステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効なレコードを表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusInactive は無効化されたレコードを表す。
	KeyStatusInactive KeyStatus = "inactive"
)

// Valid はステータス値が定義済みかどうかを返す。
func (s KeyStatus) Valid() bool {
	return s == KeyStatusActive || s == KeyStatusInactive
}

// DataType はエスクローされる秘密情報の種別を表す。
type DataType string

const (
	// DataTypePassPhrase はパスフレーズを表す。
	DataTypePassPhrase DataType = "pass_phrase"
	// DataTypeSymmetricKey は対称鍵を表す。
	DataTypeSymmetricKey DataType = "symmetric_key"
	// DataTypeAsymmetricKey は非対称鍵（秘密鍵）を表す。
	DataTypeAsymmetricKey DataType = "asymmetric_key"
)

// Valid はデータ種別が定義済みかどうかを返す。
func (d DataType) Valid() bool {
	switch d {
	case DataTypePassPhrase, DataTypeSymmetricKey, DataTypeAsymmetricKey:
		return true
	}
	return false
}

// KeyRecord はエスクローされた鍵レコードエンティティを表す。
// StoredSecret は長期ストレージ鍵でラップされた状態でのみ保持され、
// 平文の秘密情報がこの構造体に載ることはない。
type KeyRecord struct {
	ID           string
	ClientKeyID  string
	DataType     DataType
	Algorithm    string // SymmetricKey/AsymmetricKeyの場合のみ意味を持つ
	KeySize      int    // 同上
	Status       KeyStatus
	Owner        string
	Realm        string
	PublicKey    []byte // AsymmetricKeyの場合のみ（非秘密の公開鍵、DER形式）
	StoredSecret []byte // ストレージ鍵でラップ済みの秘密情報
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// KeyRecordMetadata は鍵レコードのメタデータを表す（ラップ済み秘密情報を含まない）。
type KeyRecordMetadata struct {
	ID          string
	ClientKeyID string
	DataType    DataType
	Algorithm   string
	KeySize     int
	Status      KeyStatus
	Owner       string
	Realm       string
	PublicKey   []byte
	CreatedAt   time.Time
}

// Metadata はレコードから秘密情報を除いたメタデータを返す。
func (r *KeyRecord) Metadata() *KeyRecordMetadata {
	return &KeyRecordMetadata{
		ID:          r.ID,
		ClientKeyID: r.ClientKeyID,
		DataType:    r.DataType,
		Algorithm:   r.Algorithm,
		KeySize:     r.KeySize,
		Status:      r.Status,
		Owner:       r.Owner,
		Realm:       r.Realm,
		PublicKey:   r.PublicKey,
		CreatedAt:   r.CreatedAt,
	}
}
