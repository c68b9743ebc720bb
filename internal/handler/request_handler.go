package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"key-escrow-service/internal/domain"
	"key-escrow-service/internal/middleware"
	"key-escrow-service/internal/usecase"
	"key-escrow-service/pkg/httputil"
)

// RequestHandler はエスクロー要求ライフサイクルのHTTPハンドラを提供する。
type RequestHandler struct {
	service *usecase.RequestService
}

// NewRequestHandler は新しいRequestHandlerを生成する。
func NewRequestHandler(service *usecase.RequestService) *RequestHandler {
	return &RequestHandler{service: service}
}

// RequestResponse はエスクロー要求のレスポンス形式。
type RequestResponse struct {
	RequestID string                `json:"request_id"`
	Type      string                `json:"type"`
	KeyID     string                `json:"key_id,omitempty"`
	Requestor string                `json:"requestor,omitempty"`
	State     string                `json:"state"`
	Approvals int                   `json:"approvals"`
	Payload   domain.RequestPayload `json:"payload,omitempty"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
}

func newRequestResponse(req *domain.Request) RequestResponse {
	return RequestResponse{
		RequestID: req.ID,
		Type:      string(req.Type),
		KeyID:     req.KeyID,
		Requestor: req.Requestor,
		State:     string(req.State),
		Approvals: req.Approvals,
		Payload:   req.Payload,
		CreatedAt: req.CreatedAt.Format(time.RFC3339),
		UpdatedAt: req.UpdatedAt.Format(time.RFC3339),
	}
}

// Get は指定されたIDの要求を取得する。
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := validateID(requestID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request ID format")
		return
	}

	req, err := h.service.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, newRequestResponse(req))
}

// RequestListResponse は要求一覧のレスポンス形式。
type RequestListResponse struct {
	Requests []RequestResponse `json:"requests"`
}

// List は全要求を取得する。
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := RequestListResponse{
		Requests: make([]RequestResponse, len(requests)),
	}
	for i, req := range requests {
		response.Requests[i] = newRequestResponse(req)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// Approve は要求を承認する。
func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := validateID(requestID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request ID format")
		return
	}

	req, err := h.service.Approve(r.Context(), requestID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "APPROVE_REQUEST", "", requestID, "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "APPROVE_REQUEST", req.KeyID, requestID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, newRequestResponse(req))
}

// Reject は要求を拒否する。
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := validateID(requestID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request ID format")
		return
	}

	req, err := h.service.Reject(r.Context(), requestID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "REJECT_REQUEST", "", requestID, "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REJECT_REQUEST", req.KeyID, requestID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, newRequestResponse(req))
}

// Cancel は要求を取り消す。
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := validateID(requestID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request ID format")
		return
	}

	req, err := h.service.Cancel(r.Context(), requestID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CANCEL_REQUEST", "", requestID, "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CANCEL_REQUEST", req.KeyID, requestID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, newRequestResponse(req))
}
