package domain

import "time"

// RequestType はエスクロー要求の種別を表す。
type RequestType string

const (
	// RequestTypeArchival は鍵の預託要求を表す。
	RequestTypeArchival RequestType = "archival"
	// RequestTypeRecovery は鍵の回復要求を表す。
	RequestTypeRecovery RequestType = "recovery"
	// RequestTypeKeyGeneration はサーバー側での鍵生成要求を表す。
	RequestTypeKeyGeneration RequestType = "key_generation"
)

// RequestState は要求のライフサイクル状態を表す。
// 遷移は PENDING → {APPROVED | REJECTED | CANCELED}、APPROVED → COMPLETE のみ。
type RequestState string

const (
	RequestStatePending  RequestState = "pending"
	RequestStateApproved RequestState = "approved"
	RequestStateRejected RequestState = "rejected"
	RequestStateCanceled RequestState = "canceled"
	RequestStateComplete RequestState = "complete"
)

// Terminal は状態が終端（以後遷移不可）かどうかを返す。
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateRejected, RequestStateCanceled, RequestStateComplete:
		return true
	}
	return false
}

// ExportMechanism は回復時のエクスポート方式を表す。
type ExportMechanism string

const (
	// ExportSessionKey はトランスポート鍵でラップされたセッション鍵によるエクスポート。
	ExportSessionKey ExportMechanism = "session_key"
	// ExportPassphrase はパスフレーズ由来鍵（PBE）によるエクスポート。
	ExportPassphrase ExportMechanism = "passphrase"
	// ExportPKCS12 は秘密鍵と証明書をPKCS12コンテナとしてエクスポートする方式。
	ExportPKCS12 ExportMechanism = "pkcs12"
)

// Valid はエクスポート方式が定義済みかどうかを返す。
func (m ExportMechanism) Valid() bool {
	switch m {
	case ExportSessionKey, ExportPassphrase, ExportPKCS12:
		return true
	}
	return false
}

// Decision はポリシーエンジンによる承認判定の結果を表す。
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionDenied             Decision = "denied"
	DecisionNeedsMoreApprovals Decision = "needs_more_approvals"
)

// RequestPayload は要求種別ごとのペイロードを表すタグ付きバリアント。
// 汎用のキー・バリューマップではなく型付き構造体で持つことで、
// 状態機械のペイロード処理を網羅的に検査できる。
type RequestPayload interface {
	RequestType() RequestType
}

// ArchivalPayload は預託要求のペイロード。
type ArchivalPayload struct {
	ClientKeyID string   `json:"client_key_id"`
	DataType    DataType `json:"data_type"`
	Algorithm   string   `json:"algorithm,omitempty"`
	KeySize     int      `json:"key_size,omitempty"`
	Envelope    Envelope `json:"envelope"`
}

// RequestType は要求種別を返す。
func (ArchivalPayload) RequestType() RequestType { return RequestTypeArchival }

// RecoveryPayload は回復要求のペイロード。
type RecoveryPayload struct {
	ExportMechanism ExportMechanism `json:"export_mechanism"`
	// Certificate はPKCS12エクスポート用の証明書（DER形式）。
	Certificate []byte `json:"certificate,omitempty"`
}

// RequestType は要求種別を返す。
func (RecoveryPayload) RequestType() RequestType { return RequestTypeRecovery }

// GenerationPayload は鍵生成要求のペイロード。
type GenerationPayload struct {
	ClientKeyID string   `json:"client_key_id"`
	DataType    DataType `json:"data_type"`
	Algorithm   string   `json:"algorithm"`
	KeySize     int      `json:"key_size"`
	Usages      []string `json:"usages,omitempty"`
	// WrappedSessionKey は生成鍵のコピーを呼び出し元へ返すための
	// トランスポート鍵でラップされたセッション鍵（対称鍵生成時のみ）。
	WrappedSessionKey []byte `json:"wrapped_session_key,omitempty"`
}

// RequestType は要求種別を返す。
func (GenerationPayload) RequestType() RequestType { return RequestTypeKeyGeneration }

// Request はライフサイクルを持つ作業単位を表す。
type Request struct {
	ID        string
	Type      RequestType
	KeyID     string // 対象レコードが確定した時点で設定される
	Requestor string
	State     RequestState
	Approvals int // これまでに記録された承認数
	Payload   RequestPayload
	CreatedAt time.Time
	UpdatedAt time.Time
}
