package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cardpilot/card-agent/internal/core"
	"github.com/cardpilot/card-agent/internal/history"
)

// Protocol command/response scripting for the stub card stack.
var (
	presenceCmd = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
	selectCmd   = []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x42, 0x00}
)

type stubFactory struct {
	ctx *stubContext
}

func (f stubFactory) EstablishContext() (core.SmartCardContext, error) {
	return f.ctx, nil
}

type stubContext struct {
	readers []string
	card    *stubCard
}

func (s *stubContext) ListReaders() ([]string, error) { return s.readers, nil }

func (s *stubContext) Connect(reader string) (core.SmartCard, error) {
	if s.card == nil {
		return nil, core.ErrNoCard
	}
	return s.card, nil
}

func (s *stubContext) Release() error { return nil }

type stubCard struct {
	responses map[string][]byte
}

func newStubCard() *stubCard {
	return &stubCard{responses: make(map[string][]byte)}
}

func (s *stubCard) respond(cmd, response []byte) *stubCard {
	s.responses[hex.EncodeToString(cmd)] = response
	return s
}

func (s *stubCard) Transmit(cmd []byte) ([]byte, error) {
	if rsp, ok := s.responses[hex.EncodeToString(cmd)]; ok {
		return append([]byte(nil), rsp...), nil
	}
	return []byte{0x69, 0x00}, nil
}

func (s *stubCard) Reconnect() error  { return nil }
func (s *stubCard) Disconnect() error { return nil }

type stubSink struct {
	mu        sync.Mutex
	delivered []string
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) Deliver(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, text)
	return true
}

// readableCard scripts a card whose SELECT response yields the canonical
// number "AABBCCDD11223344".
func readableCard() *stubCard {
	payload := make([]byte, 24)
	copy(payload[8:16], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44})
	return newStubCard().
		respond(presenceCmd, []byte{0x04, 0x42, 0x90, 0x00}).
		respond(selectCmd, append(payload, 0x90, 0x00))
}

func newTestServer(t *testing.T, card *stubCard, connect bool) (*Server, *stubSink) {
	t.Helper()
	ctx := &stubContext{readers: []string{"Test Reader"}, card: card}
	ledger := history.New()
	sink := &stubSink{}
	orch := core.NewOrchestrator(stubFactory{ctx: ctx}, ledger, sink, nil)
	if connect {
		if err := orch.Connect(); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
	}
	return NewServer(orch, ledger, sink), sink
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t, readableCard(), true)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()

	server.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["connected"] != true {
		t.Errorf("expected connected true, got %v", result["connected"])
	}
	if result["pcscAvailable"] != true {
		t.Errorf("expected pcscAvailable true, got %v", result["pcscAvailable"])
	}
	if result["reader"] != "Test Reader" {
		t.Errorf("expected reader 'Test Reader', got %v", result["reader"])
	}
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	w := httptest.NewRecorder()

	server.handleStatus(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleRead(t *testing.T) {
	server, sink := newTestServer(t, readableCard(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/read", nil)
	w := httptest.NewRecorder()

	server.handleRead(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["success"] != true {
		t.Errorf("expected success true, got %v", result["success"])
	}
	if result["cardNumber"] != "AABBCCDD11223344" {
		t.Errorf("expected cardNumber 'AABBCCDD11223344', got %v", result["cardNumber"])
	}
	if result["canonical"] != true {
		t.Errorf("expected canonical true, got %v", result["canonical"])
	}
	if len(sink.delivered) != 1 {
		t.Errorf("expected 1 clipboard delivery, got %d", len(sink.delivered))
	}
}

func TestHandleRead_NotConnected(t *testing.T) {
	server, _ := newTestServer(t, readableCard(), false)

	req := httptest.NewRequest(http.MethodPost, "/v1/read", nil)
	w := httptest.NewRecorder()

	server.handleRead(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleRead_NoCard(t *testing.T) {
	// Presence probe answers non-9000: soft failure, still HTTP 200.
	card := newStubCard().respond(presenceCmd, []byte{0x63, 0x00})
	server, _ := newTestServer(t, card, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/read", nil)
	w := httptest.NewRecorder()

	server.handleRead(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["success"] != false {
		t.Errorf("expected success false, got %v", result["success"])
	}
	if result["message"] == "" {
		t.Error("expected a user-facing message for a soft failure")
	}
}

func TestHandleRead_MethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/read", nil)
	w := httptest.NewRecorder()

	server.handleRead(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleCopy(t *testing.T) {
	server, sink := newTestServer(t, nil, false)

	body := bytes.NewBufferString(`{"cardNumber":"AABBCCDD11223344"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/copy", body)
	w := httptest.NewRecorder()

	server.handleCopy(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(sink.delivered) != 1 || sink.delivered[0] != "AABBCCDD11223344" {
		t.Errorf("expected one delivery of the requested number, got %v", sink.delivered)
	}
}

func TestHandleCopy_MissingNumber(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/copy", body)
	w := httptest.NewRecorder()

	server.handleCopy(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	server, _ := newTestServer(t, nil, false)
	server.ledger.Append("1111111111111111")
	server.ledger.Append("2222222222222222")

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	w := httptest.NewRecorder()

	server.handleHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result struct {
		History []history.Entry `json:"history"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(result.History))
	}
	if result.History[0].CardNumber != "2222222222222222" {
		t.Errorf("expected newest entry first, got %q", result.History[0].CardNumber)
	}
}

func TestHandleHistory_Clear(t *testing.T) {
	server, _ := newTestServer(t, nil, false)
	server.ledger.Append("1111111111111111")

	req := httptest.NewRequest(http.MethodDelete, "/v1/history", nil)
	w := httptest.NewRecorder()

	server.handleHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if server.ledger.Len() != 0 {
		t.Errorf("expected empty ledger after DELETE, got %d entries", server.ledger.Len())
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", result["status"])
	}
}

func TestHandleVersion(t *testing.T) {
	// Save original values
	origVersion := Version
	origBuildTime := BuildTime
	origGitCommit := GitCommit

	Version = "1.2.3-test"
	BuildTime = "2026-08-29T10:30:00Z"
	GitCommit = "abc1234"

	defer func() {
		Version = origVersion
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	server.handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandleDetect(t *testing.T) {
	server, _ := newTestServer(t, readableCard(), true)

	req := httptest.NewRequest(http.MethodGet, "/v1/detect", nil)
	w := httptest.NewRecorder()

	server.handleDetect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result["connected"] || !result["cardPresent"] {
		t.Errorf("expected connected and cardPresent, got %v", result)
	}
}

func TestHandleDetect_NotConnected(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/detect", nil)
	w := httptest.NewRecorder()

	server.handleDetect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("detect is a poll endpoint, expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["connected"] || result["cardPresent"] {
		t.Errorf("expected disconnected with no card, got %v", result)
	}
}

func TestHandleConnect_NoReader(t *testing.T) {
	ctx := &stubContext{readers: nil}
	orch := core.NewOrchestrator(stubFactory{ctx: ctx}, history.New(), &stubSink{}, nil)
	server := NewServer(orch, history.New(), &stubSink{})

	req := httptest.NewRequest(http.MethodPost, "/v1/connect", nil)
	w := httptest.NewRecorder()

	server.handleConnect(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleConnect_Toggle(t *testing.T) {
	server, _ := newTestServer(t, readableCard(), true)

	// Already connected: POST disconnects.
	req := httptest.NewRequest(http.MethodPost, "/v1/connect", nil)
	w := httptest.NewRecorder()
	server.handleConnect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if server.orch.Connected() {
		t.Error("expected disconnected after toggle")
	}

	// POST again reconnects.
	w = httptest.NewRecorder()
	server.handleConnect(w, httptest.NewRequest(http.MethodPost, "/v1/connect", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !server.orch.Connected() {
		t.Error("expected connected after second toggle")
	}
}

func TestHandleShutdown_NoHandler(t *testing.T) {
	server, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil)
	w := httptest.NewRecorder()

	server.handleShutdown(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin '*', got %q", got)
	}

	// OPTIONS preflight short-circuits.
	req = httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
	w = httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d for preflight, got %d", http.StatusOK, w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d after panic, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMuxRoutes(t *testing.T) {
	server, _ := newTestServer(t, nil, false)
	mux := server.Mux()

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d from mux-routed health, got %d", http.StatusOK, w.Code)
	}
}
