// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"key-escrow-service/internal/domain"
	"key-escrow-service/internal/middleware"
	"key-escrow-service/internal/usecase"
	"key-escrow-service/pkg/httputil"
)

// EscrowHandler はエスクロー操作のHTTPハンドラを提供する。
type EscrowHandler struct {
	service *usecase.EscrowService
}

// NewEscrowHandler は新しいEscrowHandlerを生成する。
func NewEscrowHandler(service *usecase.EscrowService) *EscrowHandler {
	return &EscrowHandler{service: service}
}

// writeError はエラー種別をHTTPステータスへ対応付けて返す。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httputil.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrConflict):
		httputil.Error(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		httputil.Error(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrServiceStopped):
		httputil.Error(w, http.StatusServiceUnavailable, "SERVICE_STOPPED", "service is shutting down")
	case errors.Is(err, domain.ErrCrypto):
		// 暗号エラーの詳細はクライアントへ返さない
		httputil.Error(w, http.StatusInternalServerError, "CRYPTO_ERROR", "cryptographic operation failed")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func validateID(id string) error {
	if err := uuid.Validate(id); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// KeyRecordResponse は鍵レコードメタデータのレスポンス形式。
type KeyRecordResponse struct {
	KeyID       string `json:"key_id"`
	ClientKeyID string `json:"client_key_id"`
	DataType    string `json:"data_type"`
	Algorithm   string `json:"algorithm,omitempty"`
	KeySize     int    `json:"key_size,omitempty"`
	Status      string `json:"status"`
	Owner       string `json:"owner,omitempty"`
	Realm       string `json:"realm,omitempty"`
	PublicKey   []byte `json:"public_key,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func newKeyRecordResponse(m *domain.KeyRecordMetadata) KeyRecordResponse {
	return KeyRecordResponse{
		KeyID:       m.ID,
		ClientKeyID: m.ClientKeyID,
		DataType:    string(m.DataType),
		Algorithm:   m.Algorithm,
		KeySize:     m.KeySize,
		Status:      string(m.Status),
		Owner:       m.Owner,
		Realm:       m.Realm,
		PublicKey:   m.PublicKey,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
}

// ArchiveRequest は預託リクエストの形式。
type ArchiveRequest struct {
	ClientKeyID string           `json:"client_key_id"`
	DataType    string           `json:"data_type"`
	Algorithm   string           `json:"algorithm,omitempty"`
	KeySize     int              `json:"key_size,omitempty"`
	Requestor   string           `json:"requestor,omitempty"`
	Owner       string           `json:"owner,omitempty"`
	Realm       string           `json:"realm,omitempty"`
	Envelope    *domain.Envelope `json:"envelope"`
}

// Archive は秘密情報を預託する。
func (h *EscrowHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	metadata, err := h.service.Archive(r.Context(), &usecase.ArchiveInput{
		ClientKeyID: req.ClientKeyID,
		DataType:    domain.DataType(req.DataType),
		Algorithm:   req.Algorithm,
		KeySize:     req.KeySize,
		Requestor:   req.Requestor,
		Owner:       req.Owner,
		Realm:       req.Realm,
		Envelope:    req.Envelope,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ARCHIVE", "", "", "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ARCHIVE", metadata.ID, "", "SUCCESS")
	httputil.JSON(w, http.StatusCreated, newKeyRecordResponse(metadata))
}

// GenerateRequest は鍵生成リクエストの形式。
type GenerateRequest struct {
	ClientKeyID       string   `json:"client_key_id"`
	DataType          string   `json:"data_type"`
	Algorithm         string   `json:"algorithm"`
	KeySize           int      `json:"key_size"`
	Usages            []string `json:"usages,omitempty"`
	Requestor         string   `json:"requestor,omitempty"`
	Owner             string   `json:"owner,omitempty"`
	Realm             string   `json:"realm,omitempty"`
	WrappedSessionKey []byte   `json:"wrapped_session_key,omitempty"`
}

// GenerateResponse は鍵生成レスポンスの形式。
type GenerateResponse struct {
	Record    KeyRecordResponse `json:"record"`
	PublicKey []byte            `json:"public_key,omitempty"`
	Envelope  *domain.Envelope  `json:"envelope,omitempty"`
}

// Generate はサーバー側で鍵を生成して預託する。
func (h *EscrowHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	result, err := h.service.GenerateAndEscrow(r.Context(), &usecase.GenerateInput{
		ClientKeyID:       req.ClientKeyID,
		DataType:          domain.DataType(req.DataType),
		Algorithm:         req.Algorithm,
		KeySize:           req.KeySize,
		Usages:            req.Usages,
		Requestor:         req.Requestor,
		Owner:             req.Owner,
		Realm:             req.Realm,
		WrappedSessionKey: req.WrappedSessionKey,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GENERATE", "", "", "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GENERATE", result.Record.ID, "", "SUCCESS")
	httputil.JSON(w, http.StatusCreated, GenerateResponse{
		Record:    newKeyRecordResponse(result.Record),
		PublicKey: result.PublicKey,
		Envelope:  result.Envelope,
	})
}

// RecoverRequest は回復要求リクエストの形式。
type RecoverRequest struct {
	ExportMechanism string `json:"export_mechanism"`
	Requestor       string `json:"requestor,omitempty"`
	Certificate     []byte `json:"certificate,omitempty"`
}

// Recover は回復要求を作成する。
func (h *EscrowHandler) Recover(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid key ID format")
		return
	}

	var req RecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	request, err := h.service.Recover(r.Context(), keyID, req.Requestor, domain.ExportMechanism(req.ExportMechanism), req.Certificate)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "RECOVER", keyID, "", "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RECOVER", keyID, request.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, newRequestResponse(request))
}

// RetrieveRequest は取り出しリクエストの形式。
type RetrieveRequest struct {
	RequestID         string `json:"request_id"`
	WrappedSessionKey []byte `json:"wrapped_session_key,omitempty"`
	Passphrase        string `json:"passphrase,omitempty"`
}

// RetrieveResponse は取り出しレスポンスの形式。
type RetrieveResponse struct {
	Envelope   *domain.Envelope `json:"envelope,omitempty"`
	PKCS12Data []byte           `json:"pkcs12_data,omitempty"`
}

// Retrieve は承認済みの回復要求に対して秘密情報をエクスポートする。
func (h *EscrowHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid key ID format")
		return
	}

	var req RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}
	if err := validateID(req.RequestID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request ID format")
		return
	}

	result, err := h.service.Retrieve(r.Context(), keyID, req.RequestID, &usecase.RetrieveInput{
		WrappedSessionKey: req.WrappedSessionKey,
		Passphrase:        req.Passphrase,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "RETRIEVE", keyID, req.RequestID, "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RETRIEVE", keyID, req.RequestID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, RetrieveResponse{
		Envelope:   result.Envelope,
		PKCS12Data: result.PKCS12Data,
	})
}

// ModifyStatusRequest はステータス変更リクエストの形式。
type ModifyStatusRequest struct {
	Status string `json:"status"`
}

// ModifyStatus は鍵レコードのステータスを切り替える。
func (h *EscrowHandler) ModifyStatus(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid key ID format")
		return
	}

	var req ModifyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	metadata, err := h.service.ModifyStatus(r.Context(), keyID, domain.KeyStatus(req.Status))
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "MODIFY_STATUS", keyID, "", "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "MODIFY_STATUS", keyID, "", "SUCCESS")
	httputil.JSON(w, http.StatusOK, newKeyRecordResponse(metadata))
}

// GetRecord は鍵レコードのメタデータを取得する。
func (h *EscrowHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid key ID format")
		return
	}

	metadata, err := h.service.GetRecord(r.Context(), keyID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, newKeyRecordResponse(metadata))
}

// KeyRecordListResponse は鍵レコード一覧のレスポンス形式。
type KeyRecordListResponse struct {
	Records []KeyRecordResponse `json:"records"`
}

// ListRecords は鍵レコード一覧を取得する。
func (h *EscrowHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRecords(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := KeyRecordListResponse{
		Records: make([]KeyRecordResponse, len(records)),
	}
	for i, m := range records {
		response.Records[i] = newKeyRecordResponse(m)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// TransportKeyResponse はトランスポート公開鍵のレスポンス形式。
type TransportKeyResponse struct {
	PublicKey []byte `json:"public_key"`
}

// TransportKey はトランスポート公開鍵を返す。
func (h *EscrowHandler) TransportKey(w http.ResponseWriter, r *http.Request) {
	pub, err := h.service.TransportPublicKey()
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, TransportKeyResponse{PublicKey: pub})
}
