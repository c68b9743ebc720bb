package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"key-escrow-service/internal/crypto"
	"key-escrow-service/internal/domain"
	"key-escrow-service/internal/usecase"
)

// inmemRequestRepository はテスト用のインメモリ要求リポジトリ。
type inmemRequestRepository struct {
	mu       sync.Mutex
	requests map[string]*domain.Request
}

func newInmemRequestRepository() *inmemRequestRepository {
	return &inmemRequestRepository{requests: make(map[string]*domain.Request)}
}

func (m *inmemRequestRepository) Create(ctx context.Context, req *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	clone := *req
	m.requests[req.ID] = &clone
	return nil
}

func (m *inmemRequestRepository) CreateRecovery(ctx context.Context, req *domain.Request) error {
	m.mu.Lock()
	for _, r := range m.requests {
		if r.Type == domain.RequestTypeRecovery && r.KeyID == req.KeyID &&
			(r.State == domain.RequestStatePending || r.State == domain.RequestStateApproved) {
			m.mu.Unlock()
			return fmt.Errorf("%w: a recovery request is already outstanding", domain.ErrConflict)
		}
	}
	m.mu.Unlock()
	return m.Create(ctx, req)
}

func (m *inmemRequestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	clone := *req
	return &clone, nil
}

func (m *inmemRequestRepository) FindAll(ctx context.Context) ([]*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Request, 0, len(m.requests))
	for _, req := range m.requests {
		clone := *req
		out = append(out, &clone)
	}
	return out, nil
}

func (m *inmemRequestRepository) UpdateStateIf(ctx context.Context, id string, from []domain.RequestState, to domain.RequestState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if req.State == s {
			req.State = to
			return true, nil
		}
	}
	return false, nil
}

func (m *inmemRequestRepository) IncrementApprovals(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok && req.State == domain.RequestStatePending {
		req.Approvals++
	}
	return nil
}

// inmemKeyRecordRepository はテスト用のインメモリ鍵レコードリポジトリ。
type inmemKeyRecordRepository struct {
	mu       sync.Mutex
	records  map[string]*domain.KeyRecord
	requests *inmemRequestRepository
}

func newInmemKeyRecordRepository(requests *inmemRequestRepository) *inmemKeyRecordRepository {
	return &inmemKeyRecordRepository{
		records:  make(map[string]*domain.KeyRecord),
		requests: requests,
	}
}

func (m *inmemKeyRecordRepository) activeExistsLocked(clientKeyID, excludeID string) bool {
	for _, rec := range m.records {
		if rec.ClientKeyID == clientKeyID && rec.Status == domain.KeyStatusActive && rec.ID != excludeID {
			return true
		}
	}
	return false
}

func (m *inmemKeyRecordRepository) ExistsActiveByClientKeyID(ctx context.Context, clientKeyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeExistsLocked(clientKeyID, ""), nil
}

func (m *inmemKeyRecordRepository) createActiveLocked(rec *domain.KeyRecord) error {
	if m.activeExistsLocked(rec.ClientKeyID, "") {
		return fmt.Errorf("%w: active key record already exists", domain.ErrConflict)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

func (m *inmemKeyRecordRepository) CreateActive(ctx context.Context, rec *domain.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createActiveLocked(rec)
}

func (m *inmemKeyRecordRepository) CreateActiveCompleting(ctx context.Context, rec *domain.KeyRecord, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createActiveLocked(rec); err != nil {
		return err
	}
	ok, err := m.requests.UpdateStateIf(ctx, requestID,
		[]domain.RequestState{domain.RequestStateApproved}, domain.RequestStateComplete)
	if err != nil {
		return err
	}
	if !ok {
		delete(m.records, rec.ID)
		return fmt.Errorf("%w: request %s is not approved", domain.ErrInvalidTransition, requestID)
	}
	return nil
}

func (m *inmemKeyRecordRepository) FindByID(ctx context.Context, id string) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (m *inmemKeyRecordRepository) FindAll(ctx context.Context) ([]*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.KeyRecord, 0, len(m.records))
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

func (m *inmemKeyRecordRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) (*domain.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: key record %s", domain.ErrNotFound, id)
	}
	if rec.Status == status {
		return nil, fmt.Errorf("%w: key record %s is already %s", domain.ErrConflict, id, status)
	}
	rec.Status = status
	clone := *rec
	return &clone, nil
}

// approveAllPolicy は常に承認するポリシーエンジン。
type approveAllPolicy struct{}

func (approveAllPolicy) Decide(ctx context.Context, req *domain.Request) (domain.Decision, error) {
	return domain.DecisionApproved, nil
}

// handlerFixture はHTTPハンドラのテストフィクスチャ。
type handlerFixture struct {
	server   *httptest.Server
	provider *crypto.Provider
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	transportKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate transport key: %v", err)
	}
	provider, err := crypto.NewProvider(transportKey)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}
	storage, err := crypto.NewLocalStorageWrapper(masterKey)
	if err != nil {
		t.Fatalf("NewLocalStorageWrapper failed: %v", err)
	}

	reqRepo := newInmemRequestRepository()
	recRepo := newInmemKeyRecordRepository(reqRepo)
	requests := usecase.NewRequestService(reqRepo, approveAllPolicy{})
	escrow := usecase.NewEscrowService(recRepo, requests, provider, storage)

	router := NewRouter(NewEscrowHandler(escrow), NewRequestHandler(requests), false)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &handlerFixture{server: server, provider: provider}
}

func (f *handlerFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request body failed: %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

// requestResponseBody はRequestResponseのデコード用ミラー。
// Payloadはインターフェース型のためjsonで直接アンマーシャルできず、
// 生のままで保持する。
type requestResponseBody struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	KeyID     string          `json:"key_id"`
	Requestor string          `json:"requestor"`
	State     string          `json:"state"`
	Approvals int             `json:"approvals"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response body failed: %v", err)
	}
}

// sealEnvelope は秘密情報をクライアント側でラップしたエンベロープを作る。
func (f *handlerFixture) sealEnvelope(t *testing.T, secret []byte) (*domain.Envelope, []byte) {
	t.Helper()
	pubDER, err := f.provider.TransportPublicKey()
	if err != nil {
		t.Fatalf("TransportPublicKey failed: %v", err)
	}
	sessionKey, err := f.provider.GenerateSymmetricKey(domain.AlgorithmAES)
	if err != nil {
		t.Fatalf("GenerateSymmetricKey failed: %v", err)
	}
	nonce, err := f.provider.GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce failed: %v", err)
	}
	wrappedSecret, err := f.provider.WrapWithSymmetricKey(sessionKey, secret, nonce, domain.WrapAlgorithmAESGCM)
	if err != nil {
		t.Fatalf("WrapWithSymmetricKey failed: %v", err)
	}
	wrappedSessionKey, err := f.provider.WrapWithPublicKey(pubDER, sessionKey)
	if err != nil {
		t.Fatalf("WrapWithPublicKey failed: %v", err)
	}
	return &domain.Envelope{
		WrappedSecret:     wrappedSecret,
		WrappedSessionKey: wrappedSessionKey,
		WrapAlgorithm:     domain.WrapAlgorithmAESGCM,
		Nonce:             nonce,
	}, sessionKey
}

func (f *handlerFixture) archive(t *testing.T, clientKeyID string, secret []byte) KeyRecordResponse {
	t.Helper()
	env, _ := f.sealEnvelope(t, secret)
	resp := f.postJSON(t, "/v1/escrow/keys/archive", ArchiveRequest{
		ClientKeyID: clientKeyID,
		DataType:    string(domain.DataTypePassPhrase),
		Envelope:    env,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want status 201, got %d", resp.StatusCode)
	}
	var record KeyRecordResponse
	decodeBody(t, resp, &record)
	return record
}

func TestArchive_Success(t *testing.T) {
	f := newHandlerFixture(t)

	record := f.archive(t, "client-key-1", []byte("hunter2"))
	if record.ClientKeyID != "client-key-1" {
		t.Errorf("want client_key_id client-key-1, got %s", record.ClientKeyID)
	}
	if record.Status != string(domain.KeyStatusActive) {
		t.Errorf("want status active, got %s", record.Status)
	}
	if record.KeyID == "" {
		t.Error("expected a key_id in the response")
	}
}

func TestArchive_Conflict(t *testing.T) {
	f := newHandlerFixture(t)
	f.archive(t, "client-key-1", []byte("secret"))

	env, _ := f.sealEnvelope(t, []byte("other"))
	resp := f.postJSON(t, "/v1/escrow/keys/archive", ArchiveRequest{
		ClientKeyID: "client-key-1",
		DataType:    string(domain.DataTypePassPhrase),
		Envelope:    env,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("want status 409, got %d", resp.StatusCode)
	}
}

func TestArchive_PartialEnvelope(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.postJSON(t, "/v1/escrow/keys/archive", ArchiveRequest{
		ClientKeyID: "client-key-1",
		DataType:    string(domain.DataTypePassPhrase),
		Envelope:    &domain.Envelope{WrappedSecret: []byte("only-this")},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", resp.StatusCode)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &errResp)
	if errResp.Code != "INVALID_INPUT" {
		t.Errorf("want code INVALID_INPUT, got %s", errResp.Code)
	}
}

func TestArchive_InvalidBody(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Post(f.server.URL+"/v1/escrow/keys/archive", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", resp.StatusCode)
	}
}

func TestRecoverApproveRetrieve_Flow(t *testing.T) {
	f := newHandlerFixture(t)
	secret := []byte("hunter2")
	record := f.archive(t, "client-key-1", secret)

	// 回復要求
	resp := f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/recover", RecoverRequest{
		ExportMechanism: string(domain.ExportSessionKey),
		Requestor:       "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want status 201, got %d", resp.StatusCode)
	}
	var request requestResponseBody
	decodeBody(t, resp, &request)
	if request.State != string(domain.RequestStatePending) {
		t.Errorf("want state pending, got %s", request.State)
	}

	// 承認前の取り出しは403
	env, sessionKey := f.sealEnvelope(t, []byte("ignored"))
	resp = f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/retrieve", RetrieveRequest{
		RequestID:         request.RequestID,
		WrappedSessionKey: env.WrappedSessionKey,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("want status 403 before approval, got %d", resp.StatusCode)
	}

	// 承認
	resp = f.postJSON(t, "/v1/escrow/requests/"+request.RequestID+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	var approved requestResponseBody
	decodeBody(t, resp, &approved)
	if approved.State != string(domain.RequestStateApproved) {
		t.Errorf("want state approved, got %s", approved.State)
	}

	// 取り出し
	resp = f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/retrieve", RetrieveRequest{
		RequestID:         request.RequestID,
		WrappedSessionKey: env.WrappedSessionKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	var retrieved RetrieveResponse
	decodeBody(t, resp, &retrieved)

	recovered, err := f.provider.UnwrapWithSymmetricKey(sessionKey, retrieved.Envelope.WrappedSecret, retrieved.Envelope.Nonce, retrieved.Envelope.WrapAlgorithm)
	if err != nil {
		t.Fatalf("unwrapping retrieved secret failed: %v", err)
	}
	if string(recovered) != string(secret) {
		t.Errorf("want secret %q, got %q", secret, recovered)
	}

	// 完了済み要求での再取り出しは403
	resp = f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/retrieve", RetrieveRequest{
		RequestID:         request.RequestID,
		WrappedSessionKey: env.WrappedSessionKey,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("want status 403 after completion, got %d", resp.StatusCode)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/escrow/keys/" + uuid.New().String())
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want status 404, got %d", resp.StatusCode)
	}
}

func TestGetRecord_InvalidID(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/escrow/keys/not-a-uuid")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", resp.StatusCode)
	}
}

func TestModifyStatus_Success(t *testing.T) {
	f := newHandlerFixture(t)
	record := f.archive(t, "client-key-1", []byte("secret"))

	resp := f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/status", ModifyStatusRequest{
		Status: string(domain.KeyStatusInactive),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	var updated KeyRecordResponse
	decodeBody(t, resp, &updated)
	if updated.Status != string(domain.KeyStatusInactive) {
		t.Errorf("want status inactive, got %s", updated.Status)
	}
}

func TestApprove_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.postJSON(t, "/v1/escrow/requests/"+uuid.New().String()+"/approve", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want status 404, got %d", resp.StatusCode)
	}
}

func TestCancel_TerminalRequest(t *testing.T) {
	f := newHandlerFixture(t)
	record := f.archive(t, "client-key-1", []byte("secret"))

	resp := f.postJSON(t, "/v1/escrow/keys/"+record.KeyID+"/recover", RecoverRequest{
		ExportMechanism: string(domain.ExportSessionKey),
	})
	var request requestResponseBody
	decodeBody(t, resp, &request)

	resp = f.postJSON(t, "/v1/escrow/requests/"+request.RequestID+"/reject", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}

	// 終端状態の要求の取り消しは409
	resp = f.postJSON(t, "/v1/escrow/requests/"+request.RequestID+"/cancel", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("want status 409, got %d", resp.StatusCode)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &errResp)
	if errResp.Code != "INVALID_TRANSITION" {
		t.Errorf("want code INVALID_TRANSITION, got %s", errResp.Code)
	}
}

func TestTransportKey(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/escrow/transport")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	var result TransportKeyResponse
	decodeBody(t, resp, &result)
	if len(result.PublicKey) == 0 {
		t.Error("expected a DER-encoded public key")
	}
}

func TestListRecords(t *testing.T) {
	f := newHandlerFixture(t)
	f.archive(t, "client-key-1", []byte("one"))
	f.archive(t, "client-key-2", []byte("two"))

	resp, err := http.Get(f.server.URL + "/v1/escrow/keys/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d", resp.StatusCode)
	}
	var result KeyRecordListResponse
	decodeBody(t, resp, &result)
	if len(result.Records) != 2 {
		t.Errorf("want 2 records, got %d", len(result.Records))
	}
}
