package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"x402-gateway/internal/headers"
	"x402-gateway/internal/risk"
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func testMCPHandler() *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := risk.NewService(risk.ServiceConfig{Logger: logger})
	return New(Config{
		Sessions:  sessions,
		Evaluator: risk.NewLocalStubEvaluator(sessions, nil, logger),
		Logger:    logger,
	})
}

func TestMCPServerCreation(t *testing.T) {
	h := testMCPHandler()
	if h.NewMCPServer() == nil {
		t.Fatal("NewMCPServer() = nil")
	}
	if h.NewMCPHandler() == nil {
		t.Fatal("NewMCPHandler() = nil")
	}
}

func TestMCPInitialize(t *testing.T) {
	mux := testMCPHandler().Routes()
	w := mcpPost(mux, "", initializeMessage())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if w.Header().Get("Mcp-Session-Id") == "" {
		t.Error("Mcp-Session-Id header missing")
	}

	msg := readRPC(t, w)
	if msg.Error != nil || len(msg.Result) == 0 {
		t.Fatalf("initialize = %+v", msg)
	}
	var res struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ServerInfo.Name != "x402-gateway" {
		t.Errorf("serverInfo.name = %q, want x402-gateway", res.ServerInfo.Name)
	}
}

func TestMCPToolsList(t *testing.T) {
	mux := testMCPHandler().Routes()
	sid := openMCP(t, mux)

	msg := readRPC(t, mcpPost(mux, sid, rpcMessage{JSONRPC: "2.0", ID: 2, Method: "tools/list"}))
	if msg.Error != nil {
		t.Fatalf("tools/list error: %+v", msg.Error)
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &list); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	got := strings.Join(names, ",")
	for _, want := range []string{"risk_create_session", "risk_record_trace", "risk_evaluate", "build_payment_headers"} {
		if !strings.Contains(got, want) {
			t.Errorf("tools = %s, missing %s", got, want)
		}
	}
}

func TestMCPSessionTraceEvaluate(t *testing.T) {
	mux := testMCPHandler().Routes()
	sid := openMCP(t, mux)

	var sess risk.SessionResponse
	callTool(t, mux, sid, "risk_create_session", map[string]any{"agent_did": "did:web:agent.example"}, &sess)
	if sess.SID == "" {
		t.Fatal("sid is empty")
	}

	var tr risk.TraceResponse
	callTool(t, mux, sid, "risk_record_trace", map[string]any{
		"sid": sess.SID,
		"agent_trace": map[string]any{
			"task":   "buy weather data",
			"events": []any{map[string]any{"type": "user_input"}},
		},
	}, &tr)
	if tr.TID == "" {
		t.Fatal("tid is empty")
	}

	var d DecisionOutput
	callTool(t, mux, sid, "risk_evaluate", map[string]any{
		"sid":         sess.SID,
		"tid":         tr.TID,
		"traceparent": testTP,
		"protocol":    "exact",
	}, &d)
	if d.Decision != "allow" || d.DecisionID == "" {
		t.Errorf("decision = %+v, want allow", d)
	}
}

func TestMCPBuildPaymentHeaders(t *testing.T) {
	mux := testMCPHandler().Routes()
	sid := openMCP(t, mux)

	const tid = "0b9d2c1e-5a6f-4e7d-8c9b-0a1b2c3d4e5f"
	var out BuildHeadersOutput
	callTool(t, mux, sid, "build_payment_headers", map[string]any{
		"tid":                   tid,
		"traceparent":           testTP,
		"mandate_ref":           "mandates/shop/m-1.json",
		"mandate_sha256_b64url": "47DEQpj8HBSa-_TImW-5JCeuQeRkm5NMpJWZG3hSuFU",
		"mandate_size":          42,
	}, &out)

	tc, err := headers.ParsePaymentSecure(out.PaymentSecure)
	if err != nil {
		t.Fatalf("x_payment_secure %q: %v", out.PaymentSecure, err)
	}
	if tc.Traceparent() != testTP || tc.AgentTraceID() != tid {
		t.Errorf("trace context = %s / %s", tc.Traceparent(), tc.AgentTraceID())
	}
	rec, err := headers.ParseEvidence(out.Evidence)
	if err != nil {
		t.Fatalf("x_ap2_evidence %q: %v", out.Evidence, err)
	}
	if rec.MandateRef != "mandates/shop/m-1.json" || rec.SizeBytes != 42 {
		t.Errorf("evidence = %+v", rec)
	}
}

func TestMCPToolErrors(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"unknown session", "risk_evaluate", map[string]any{"sid": "7f3c7a4e-2b1d-4c55-9a0e-1d2f3b4c5d6e", "traceparent": testTP}},
		{"bad tid", "build_payment_headers", map[string]any{"tid": "nope"}},
		{"mandate without hash", "build_payment_headers", map[string]any{"mandate_ref": "mandates/shop/m-1.json"}},
		{"mandate hash not a digest", "build_payment_headers", map[string]any{"mandate_ref": "mandates/shop/m-1.json", "mandate_sha256_b64url": "abc", "mandate_size": 42}},
		{"missing agent", "risk_create_session", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := testMCPHandler().Routes()
			w := mcpPost(mux, openMCP(t, mux), toolCall(tt.tool, tt.args))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			msg := readRPC(t, w)
			if msg.Error != nil {
				return // input schema rejection
			}
			var res toolResult
			if err := json.Unmarshal(msg.Result, &res); err != nil {
				t.Fatal(err)
			}
			if !res.IsError {
				t.Errorf("isError = false, want true: %s", msg.Result)
			}
		})
	}
}

// callTool runs a tool that must succeed and decodes its text content into out.
func callTool(t *testing.T, mux http.Handler, sid, name string, args map[string]any, out any) {
	t.Helper()
	msg := readRPC(t, mcpPost(mux, sid, toolCall(name, args)))
	if msg.Error != nil {
		t.Fatalf("%s: %+v", name, msg.Error)
	}
	var res toolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if res.IsError || len(res.Content) == 0 || res.Content[0].Type != "text" {
		t.Fatalf("%s: result = %s", name, msg.Result)
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), out); err != nil {
		t.Fatalf("%s: content %q: %v", name, res.Content[0].Text, err)
	}
}

func toolCall(name string, args map[string]any) rpcMessage {
	return rpcMessage{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "tools/call",
		Params:  map[string]any{"name": name, "arguments": args},
	}
}

func initializeMessage() rpcMessage {
	return rpcMessage{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": "2025-06-18",
			"clientInfo":      map[string]string{"name": "x402client", "version": "0.1.0"},
			"capabilities":    map[string]any{},
		},
	}
}

// openMCP initializes a streamable HTTP session and returns its id.
func openMCP(t *testing.T, mux http.Handler) string {
	t.Helper()
	w := mcpPost(mux, "", initializeMessage())
	if w.Code != http.StatusOK {
		t.Fatalf("initialize: %d %s", w.Code, w.Body.String())
	}
	return w.Header().Get("Mcp-Session-Id")
}

func mcpPost(mux http.Handler, sid string, msg rpcMessage) *httptest.ResponseRecorder {
	body, _ := json.Marshal(msg)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

// readRPC decodes a JSON-RPC reply sent either as plain JSON or as one SSE event.
func readRPC(t *testing.T, w *httptest.ResponseRecorder) rpcMessage {
	t.Helper()
	payload := w.Body.String()
	for _, line := range strings.Split(payload, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			payload = data
			break
		}
	}
	var msg rpcMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("decode %q: %v", payload, err)
	}
	return msg
}
