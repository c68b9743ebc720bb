package usecase

import (
	"context"
	"fmt"
	"sync/atomic"

	"key-escrow-service/internal/domain"
)

// KeyRecordRepository は鍵レコードのデータアクセスのインターフェース。
type KeyRecordRepository interface {
	ExistsActiveByClientKeyID(ctx context.Context, clientKeyID string) (bool, error)
	CreateActive(ctx context.Context, rec *domain.KeyRecord) error
	CreateActiveCompleting(ctx context.Context, rec *domain.KeyRecord, requestID string) error
	FindByID(ctx context.Context, id string) (*domain.KeyRecord, error)
	FindAll(ctx context.Context) ([]*domain.KeyRecord, error)
	UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) (*domain.KeyRecord, error)
}

// CryptoProvider は暗号プリミティブのインターフェース。
// トランスポート鍵・ストレージ鍵の素材はこの境界の外に出ない。
type CryptoProvider interface {
	TransportPublicKey() ([]byte, error)
	GenerateSymmetricKey(algorithm string) ([]byte, error)
	GenerateNonce() ([]byte, error)
	GenerateKeyPair(algorithm string, bits int) (pub, priv []byte, err error)
	DerivePublicKey(privDER []byte) ([]byte, error)
	WrapWithPublicKey(pubDER, key []byte) ([]byte, error)
	UnwrapWithPrivateKey(wrapped []byte) ([]byte, error)
	WrapWithSymmetricKey(key, secret, nonce []byte, algorithm string) ([]byte, error)
	UnwrapWithSymmetricKey(key, wrapped, nonce []byte, algorithm string) ([]byte, error)
	WrapWithPassphrase(passphrase string, key []byte) ([]byte, error)
	UnwrapWithPassphrase(passphrase string, blob []byte) ([]byte, error)
	EncodePKCS12(privDER, certDER []byte, password string) ([]byte, error)
}

// StorageWrapper は長期ストレージ鍵による秘密情報のラップのインターフェース。
type StorageWrapper interface {
	WrapForStorage(ctx context.Context, secret []byte) ([]byte, error)
	UnwrapFromStorage(ctx context.Context, blob []byte) ([]byte, error)
}

// allowedUsages は鍵生成時に受け付ける用途タグの許可リスト。
// 未知のタグは拒否する（フェイルクローズ）。
var allowedUsages = map[string]struct{}{
	"sign":           {},
	"decrypt":        {},
	"encrypt":        {},
	"wrap":           {},
	"unwrap":         {},
	"sign_recover":   {},
	"verify":         {},
	"verify_recover": {},
	"derive":         {},
}

// EscrowService は鍵エスクローと回復のビジネスロジックを提供する。
// 呼び出しごとにステートレスであり、シャットダウン状態のみを保持する。
type EscrowService struct {
	records  KeyRecordRepository
	requests *RequestService
	crypto   CryptoProvider
	storage  StorageWrapper
	stopped  atomic.Bool
}

// NewEscrowService は新しいEscrowServiceを生成する。
func NewEscrowService(records KeyRecordRepository, requests *RequestService, crypto CryptoProvider, storage StorageWrapper) *EscrowService {
	return &EscrowService{
		records:  records,
		requests: requests,
		crypto:   crypto,
		storage:  storage,
	}
}

// Shutdown は以後の操作の受付を停止する。
func (s *EscrowService) Shutdown() {
	s.stopped.Store(true)
}

func (s *EscrowService) checkAccepting() error {
	if s.stopped.Load() {
		return fmt.Errorf("%w: escrow service no longer accepts operations", domain.ErrServiceStopped)
	}
	return nil
}

// TransportPublicKey はトランスポート公開鍵をDER形式で返す。
// クライアントはこの鍵でセッション鍵をラップして送信する。
func (s *EscrowService) TransportPublicKey() ([]byte, error) {
	return s.crypto.TransportPublicKey()
}

// ArchiveInput はArchive操作の入力。
type ArchiveInput struct {
	ClientKeyID string
	DataType    domain.DataType
	Algorithm   string
	KeySize     int
	Requestor   string
	Owner       string
	Realm       string
	Envelope    *domain.Envelope
}

// validateArchiveInput は前提条件を定義順に検査する。
// 順序はエラー報告の決定性のために保たれる。
func validateArchiveInput(in *ArchiveInput) error {
	if in.ClientKeyID == "" {
		return fmt.Errorf("%w: client_key_id is required", domain.ErrInvalidInput)
	}
	if in.DataType == "" {
		return fmt.Errorf("%w: data_type is required", domain.ErrInvalidInput)
	}
	if !in.DataType.Valid() {
		return fmt.Errorf("%w: unknown data_type %q", domain.ErrInvalidInput, in.DataType)
	}
	if in.DataType == domain.DataTypeSymmetricKey {
		if in.Algorithm == "" {
			return fmt.Errorf("%w: algorithm is required for symmetric keys", domain.ErrInvalidInput)
		}
		if in.KeySize < 0 {
			return fmt.Errorf("%w: key_size must not be negative", domain.ErrInvalidInput)
		}
	}
	return in.Envelope.Validate()
}

// Archive はクライアントから送信された秘密情報をエスクローする。
// エンベロープのセッション鍵をトランスポート秘密鍵でアンラップし、
// 回復した平文を直ちに長期ストレージ鍵でラップし直す。
// 平文が永続化・ログ出力されることはない。
func (s *EscrowService) Archive(ctx context.Context, in *ArchiveInput) (*domain.KeyRecordMetadata, error) {
	if err := s.checkAccepting(); err != nil {
		return nil, err
	}
	if err := validateArchiveInput(in); err != nil {
		return nil, err
	}

	// 競合する場合はアンラップを行わずに失敗させる。
	// 競合検査と挿入の原子性はリポジトリ側の条件付き挿入が保証する。
	exists, err := s.records.ExistsActiveByClientKeyID(ctx, in.ClientKeyID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key record: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: active key record already exists for client_key_id %q", domain.ErrConflict, in.ClientKeyID)
	}

	req := &domain.Request{
		Type:      domain.RequestTypeArchival,
		Requestor: in.Requestor,
		Payload: domain.ArchivalPayload{
			ClientKeyID: in.ClientKeyID,
			DataType:    in.DataType,
			Algorithm:   in.Algorithm,
			KeySize:     in.KeySize,
			Envelope:    *in.Envelope,
		},
	}
	if err := s.requests.Submit(ctx, req); err != nil {
		return nil, fmt.Errorf("submitting archival request: %w", err)
	}
	if err := s.requests.AuthorizeImmediate(ctx, req); err != nil {
		return nil, err
	}

	sessionKey, err := s.crypto.UnwrapWithPrivateKey(in.Envelope.WrappedSessionKey)
	if err != nil {
		s.requests.MarkFailed(ctx, req.ID)
		return nil, err
	}
	secret, err := s.crypto.UnwrapWithSymmetricKey(sessionKey, in.Envelope.WrappedSecret, in.Envelope.Nonce, in.Envelope.WrapAlgorithm)
	if err != nil {
		s.requests.MarkFailed(ctx, req.ID)
		return nil, err
	}
	stored, err := s.storage.WrapForStorage(ctx, secret)
	if err != nil {
		s.requests.MarkFailed(ctx, req.ID)
		return nil, err
	}

	rec := &domain.KeyRecord{
		ClientKeyID:  in.ClientKeyID,
		DataType:     in.DataType,
		Algorithm:    in.Algorithm,
		KeySize:      in.KeySize,
		Status:       domain.KeyStatusActive,
		Owner:        in.Owner,
		Realm:        in.Realm,
		StoredSecret: stored,
	}
	if in.DataType == domain.DataTypeAsymmetricKey {
		// 預託された秘密鍵から公開鍵を導出できる場合のみ保持する
		if pub, derr := s.crypto.DerivePublicKey(secret); derr == nil {
			rec.PublicKey = pub
		}
	}

	if err := s.records.CreateActiveCompleting(ctx, rec, req.ID); err != nil {
		s.requests.MarkFailed(ctx, req.ID)
		return nil, err
	}
	return rec.Metadata(), nil
}

// GenerateInput はGenerateAndEscrow操作の入力。
type GenerateInput struct {
	ClientKeyID string
	DataType    domain.DataType
	Algorithm   string
	KeySize     int
	Usages      []string
	Requestor   string
	Owner       string
	Realm       string
	// WrappedSessionKey は対称鍵生成時に生成鍵のコピーを返すための
	// トランスポート鍵でラップされたセッション鍵（省略可）。
	WrappedSessionKey []byte
}

// GenerateResult はGenerateAndEscrow操作の結果。
type GenerateResult struct {
	Record    *domain.KeyRecordMetadata
	PublicKey []byte           // 非対称鍵生成時の公開鍵（DER形式）
	Envelope  *domain.Envelope // 対称鍵生成時のエクスポートコピー
}

func validateUsages(usages []string) error {
	for _, u := range usages {
		if _, ok := allowedUsages[u]; !ok {
			return fmt.Errorf("%w: usage %q is not allowed", domain.ErrInvalidInput, u)
		}
	}
	return nil
}

func validateGenerateInput(in *GenerateInput) error {
	if in.ClientKeyID == "" {
		return fmt.Errorf("%w: client_key_id is required", domain.ErrInvalidInput)
	}
	switch in.DataType {
	case domain.DataTypeSymmetricKey, domain.DataTypeAsymmetricKey:
	default:
		return fmt.Errorf("%w: data_type must be %s or %s", domain.ErrInvalidInput, domain.DataTypeSymmetricKey, domain.DataTypeAsymmetricKey)
	}
	if err := validateUsages(in.Usages); err != nil {
		return err
	}
	if in.DataType == domain.DataTypeSymmetricKey {
		if in.Algorithm == "" {
			return fmt.Errorf("%w: algorithm is required", domain.ErrInvalidInput)
		}
		if in.KeySize < 0 {
			return fmt.Errorf("%w: key_size must not be negative", domain.ErrInvalidInput)
		}
		return nil
	}
	switch in.Algorithm {
	case domain.AlgorithmRSA:
		if in.KeySize < 256 || (in.KeySize-256)%16 != 0 {
			return fmt.Errorf("%w: RSA key size %d must be at least 256 and a multiple of 16 above it", domain.ErrInvalidInput, in.KeySize)
		}
	case domain.AlgorithmDSA:
		if in.KeySize != 512 && in.KeySize != 768 && in.KeySize != 1024 {
			return fmt.Errorf("%w: DSA key size must be 512, 768 or 1024", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: asymmetric algorithm must be %s or %s", domain.ErrInvalidInput, domain.AlgorithmRSA, domain.AlgorithmDSA)
	}
	return nil
}

// GenerateAndEscrow はサーバー側で鍵素材を生成してエスクローする。
// 平文の鍵がネットワークから到来することはない。呼び出し元には
// 非対称鍵なら公開鍵、対称鍵ならセッション鍵でラップしたコピーのみを返す。
func (s *EscrowService) GenerateAndEscrow(ctx context.Context, in *GenerateInput) (*GenerateResult, error) {
	if err := s.checkAccepting(); err != nil {
		return nil, err
	}
	if err := validateGenerateInput(in); err != nil {
		return nil, err
	}

	exists, err := s.records.ExistsActiveByClientKeyID(ctx, in.ClientKeyID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key record: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: active key record already exists for client_key_id %q", domain.ErrConflict, in.ClientKeyID)
	}

	req := &domain.Request{
		Type:      domain.RequestTypeKeyGeneration,
		Requestor: in.Requestor,
		Payload: domain.GenerationPayload{
			ClientKeyID:       in.ClientKeyID,
			DataType:          in.DataType,
			Algorithm:         in.Algorithm,
			KeySize:           in.KeySize,
			Usages:            in.Usages,
			WrappedSessionKey: in.WrappedSessionKey,
		},
	}
	if err := s.requests.Submit(ctx, req); err != nil {
		return nil, fmt.Errorf("submitting key generation request: %w", err)
	}
	if err := s.requests.AuthorizeImmediate(ctx, req); err != nil {
		return nil, err
	}

	rec := &domain.KeyRecord{
		ClientKeyID: in.ClientKeyID,
		DataType:    in.DataType,
		Algorithm:   in.Algorithm,
		KeySize:     in.KeySize,
		Status:      domain.KeyStatusActive,
		Owner:       in.Owner,
		Realm:       in.Realm,
	}
	result := &GenerateResult{}

	switch in.DataType {
	case domain.DataTypeSymmetricKey:
		key, err := s.crypto.GenerateSymmetricKey(in.Algorithm)
		if err != nil {
			s.requests.MarkFailed(ctx, req.ID)
			return nil, err
		}
		rec.StoredSecret, err = s.storage.WrapForStorage(ctx, key)
		if err != nil {
			s.requests.MarkFailed(ctx, req.ID)
			return nil, err
		}
		if len(in.WrappedSessionKey) > 0 {
			env, err := s.wrapUnderSessionKey(in.WrappedSessionKey, key)
			if err != nil {
				s.requests.MarkFailed(ctx, req.ID)
				return nil, err
			}
			result.Envelope = env
		}
	case domain.DataTypeAsymmetricKey:
		pub, priv, err := s.crypto.GenerateKeyPair(in.Algorithm, in.KeySize)
		if err != nil {
			s.requests.MarkFailed(ctx, req.ID)
			return nil, err
		}
		rec.PublicKey = pub
		rec.StoredSecret, err = s.storage.WrapForStorage(ctx, priv)
		if err != nil {
			s.requests.MarkFailed(ctx, req.ID)
			return nil, err
		}
		result.PublicKey = pub
	}

	if err := s.records.CreateActiveCompleting(ctx, rec, req.ID); err != nil {
		s.requests.MarkFailed(ctx, req.ID)
		return nil, err
	}
	result.Record = rec.Metadata()
	return result, nil
}

// wrapUnderSessionKey は秘密情報を呼び出し元のセッション鍵で新しいノンスと共にラップする。
func (s *EscrowService) wrapUnderSessionKey(wrappedSessionKey, secret []byte) (*domain.Envelope, error) {
	sessionKey, err := s.crypto.UnwrapWithPrivateKey(wrappedSessionKey)
	if err != nil {
		return nil, err
	}
	nonce, err := s.crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.crypto.WrapWithSymmetricKey(sessionKey, secret, nonce, domain.WrapAlgorithmAESGCM)
	if err != nil {
		return nil, err
	}
	return &domain.Envelope{
		WrappedSecret:     wrapped,
		WrappedSessionKey: wrappedSessionKey,
		WrapAlgorithm:     domain.WrapAlgorithmAESGCM,
		Nonce:             nonce,
	}, nil
}

// Recover は回復要求をPENDING状態で作成する。
// 対象レコードがACTIVEであることを検証し、エクスポート方式を記録する。
func (s *EscrowService) Recover(ctx context.Context, keyID, requestor string, mechanism domain.ExportMechanism, certDER []byte) (*domain.Request, error) {
	if err := s.checkAccepting(); err != nil {
		return nil, err
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: key_id is required", domain.ErrInvalidInput)
	}
	if !mechanism.Valid() {
		return nil, fmt.Errorf("%w: unknown export mechanism %q", domain.ErrInvalidInput, mechanism)
	}

	rec, err := s.records.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: key record %s", domain.ErrNotFound, keyID)
	}
	if rec.Status != domain.KeyStatusActive {
		return nil, fmt.Errorf("%w: key record %s is not active", domain.ErrConflict, keyID)
	}
	if mechanism == domain.ExportPKCS12 {
		if rec.DataType != domain.DataTypeAsymmetricKey {
			return nil, fmt.Errorf("%w: pkcs12 export requires an asymmetric key record", domain.ErrInvalidInput)
		}
		if len(certDER) == 0 {
			return nil, fmt.Errorf("%w: pkcs12 export requires a certificate", domain.ErrInvalidInput)
		}
	}

	req := &domain.Request{
		Type:      domain.RequestTypeRecovery,
		KeyID:     keyID,
		Requestor: requestor,
		Payload: domain.RecoveryPayload{
			ExportMechanism: mechanism,
			Certificate:     certDER,
		},
	}
	if err := s.requests.Submit(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// RetrieveInput はRetrieve操作のエクスポート入力。
type RetrieveInput struct {
	// WrappedSessionKey はsession_keyエクスポート用のラップ済みセッション鍵。
	WrappedSessionKey []byte
	// Passphrase はpassphraseエクスポートのPBE、またはpkcs12のパスワード。
	Passphrase string
}

// RetrieveResult はRetrieve操作の結果。
type RetrieveResult struct {
	Envelope   *domain.Envelope
	PKCS12Data []byte
}

// Retrieve は承認済みの回復要求に対して秘密情報をエクスポートする。
// 要求とkey_idの不一致、または非APPROVED状態は常にErrForbiddenであり、
// 承認された一致する要求の外に秘密情報が出ることはない。
func (s *EscrowService) Retrieve(ctx context.Context, keyID, requestID string, in *RetrieveInput) (*RetrieveResult, error) {
	if err := s.checkAccepting(); err != nil {
		return nil, err
	}
	if keyID == "" || requestID == "" {
		return nil, fmt.Errorf("%w: key_id and request_id are required", domain.ErrInvalidInput)
	}

	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Type != domain.RequestTypeRecovery || req.KeyID != keyID {
		return nil, fmt.Errorf("%w: request %s does not authorize recovery of key %s", domain.ErrForbidden, requestID, keyID)
	}
	if req.State != domain.RequestStateApproved {
		return nil, fmt.Errorf("%w: request %s is not approved", domain.ErrForbidden, requestID)
	}
	payload, ok := req.Payload.(domain.RecoveryPayload)
	if !ok {
		return nil, fmt.Errorf("%w: request %s carries no recovery payload", domain.ErrForbidden, requestID)
	}

	rec, err := s.records.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: key record %s", domain.ErrNotFound, keyID)
	}
	// レコードが承認後にINACTIVEへ変更されていても完了は許可する。
	// 承認の時点で解放は認可済みとみなす。

	secret, err := s.storage.UnwrapFromStorage(ctx, rec.StoredSecret)
	if err != nil {
		return nil, err
	}

	result := &RetrieveResult{}
	switch payload.ExportMechanism {
	case domain.ExportSessionKey:
		if len(in.WrappedSessionKey) == 0 {
			return nil, fmt.Errorf("%w: wrapped_session_key is required for session_key export", domain.ErrInvalidInput)
		}
		env, err := s.wrapUnderSessionKey(in.WrappedSessionKey, secret)
		if err != nil {
			return nil, err
		}
		result.Envelope = env
	case domain.ExportPassphrase:
		if in.Passphrase == "" {
			return nil, fmt.Errorf("%w: passphrase is required for passphrase export", domain.ErrInvalidInput)
		}
		sessionKey, err := s.crypto.GenerateSymmetricKey(domain.AlgorithmAES)
		if err != nil {
			return nil, err
		}
		nonce, err := s.crypto.GenerateNonce()
		if err != nil {
			return nil, err
		}
		wrapped, err := s.crypto.WrapWithSymmetricKey(sessionKey, secret, nonce, domain.WrapAlgorithmAESGCM)
		if err != nil {
			return nil, err
		}
		wrappedSessionKey, err := s.crypto.WrapWithPassphrase(in.Passphrase, sessionKey)
		if err != nil {
			return nil, err
		}
		result.Envelope = &domain.Envelope{
			WrappedSecret:     wrapped,
			WrappedSessionKey: wrappedSessionKey,
			WrapAlgorithm:     domain.WrapAlgorithmAESGCM,
			Nonce:             nonce,
		}
	case domain.ExportPKCS12:
		if in.Passphrase == "" {
			return nil, fmt.Errorf("%w: passphrase is required for pkcs12 export", domain.ErrInvalidInput)
		}
		bundle, err := s.crypto.EncodePKCS12(secret, payload.Certificate, in.Passphrase)
		if err != nil {
			return nil, err
		}
		result.PKCS12Data = bundle
	default:
		return nil, fmt.Errorf("%w: unknown export mechanism %q", domain.ErrInvalidInput, payload.ExportMechanism)
	}

	// 完了遷移に成功した場合のみ結果を返す。並行するRetrieveは
	// どちらか一方だけがここを通過する。
	if err := s.requests.Complete(ctx, requestID); err != nil {
		return nil, err
	}
	return result, nil
}

// ModifyStatus は鍵レコードのステータスをACTIVE/INACTIVE間で切り替える。
// INACTIVEへの変更は承認済み・未完了の回復要求を取り消さない。
func (s *EscrowService) ModifyStatus(ctx context.Context, keyID string, status domain.KeyStatus) (*domain.KeyRecordMetadata, error) {
	if err := s.checkAccepting(); err != nil {
		return nil, err
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: key_id is required", domain.ErrInvalidInput)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	rec, err := s.records.UpdateStatus(ctx, keyID, status)
	if err != nil {
		return nil, err
	}
	return rec.Metadata(), nil
}

// GetRecord は鍵レコードのメタデータを取得する。
func (s *EscrowService) GetRecord(ctx context.Context, keyID string) (*domain.KeyRecordMetadata, error) {
	rec, err := s.records.FindByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: key record %s", domain.ErrNotFound, keyID)
	}
	return rec.Metadata(), nil
}

// ListRecords は全鍵レコードのメタデータを取得する。
func (s *EscrowService) ListRecords(ctx context.Context) ([]*domain.KeyRecordMetadata, error) {
	records, err := s.records.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	metadata := make([]*domain.KeyRecordMetadata, len(records))
	for i, rec := range records {
		metadata[i] = rec.Metadata()
	}
	return metadata, nil
}
