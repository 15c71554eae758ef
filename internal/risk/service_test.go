package risk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newSchemaService(t *testing.T) *Service {
	t.Helper()
	schema, err := NewTraceValidator()
	if err != nil {
		t.Fatalf("NewTraceValidator() error = %v", err)
	}
	return NewService(ServiceConfig{Clock: newFakeClock(), Schema: schema})
}

func TestService_CreateSessionRequiresAgent(t *testing.T) {
	svc := NewService(ServiceConfig{})
	if _, err := svc.CreateSession(context.Background(), &SessionRequest{AgentDID: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CreateSession() error = %v, want ErrInvalidInput", err)
	}
}

func TestService_CreateTraceUnknownSession(t *testing.T) {
	svc := NewService(ServiceConfig{})
	_, err := svc.CreateTrace(context.Background(), &TraceRequest{SID: "4f1c7a52-5d55-4a55-9c55-6b0b8f6e0a11"})
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CreateTrace() error = %v, want ErrUnknownSession", err)
	}
}

func TestService_CreateTraceSchema(t *testing.T) {
	svc := newSchemaService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "0xAgent", Device: map[string]any{"ua": "test"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "nested",
			body: `{"sid":"SID","agent_trace":{"task":"buy weather","events":[{"type":"user_input","content":"hi"},{"type":"tool_call","name":"pay"}]}}`,
		},
		{
			name: "flat",
			body: `{"sid":"SID","task":"buy weather","events":[{"type":"response.completed"}],"model_config":{"provider":"openai","model":"gpt"}}`,
		},
		{
			name: "no agent trace",
			body: `{"sid":"SID","fingerprint":{"ip":"203.0.113.9"}}`,
		},
		{
			name:    "unknown event type",
			body:    `{"sid":"SID","agent_trace":{"task":"t","events":[{"type":"mystery"}]}}`,
			wantErr: true,
		},
		{
			name:    "event without type",
			body:    `{"sid":"SID","agent_trace":{"task":"t","events":[{"content":"x"}]}}`,
			wantErr: true,
		},
		{
			name:    "missing task",
			body:    `{"sid":"SID","agent_trace":{"events":[]}}`,
			wantErr: true,
		},
		{
			name:    "flat missing task",
			body:    `{"sid":"SID","events":[{"type":"user_input"}]}`,
			wantErr: true,
		},
		{
			name:    "missing events",
			body:    `{"sid":"SID","agent_trace":{"task":"buy weather"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req TraceRequest
			if err := json.Unmarshal([]byte(strings.ReplaceAll(tt.body, "SID", sess.SID)), &req); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			resp, err := svc.CreateTrace(ctx, &req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("CreateTrace() error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateTrace() error = %v", err)
			}
			stored, err := svc.GetTrace(ctx, resp.TID)
			if err != nil {
				t.Fatalf("GetTrace() error = %v", err)
			}
			if stored.SID != sess.SID {
				t.Errorf("SID = %q, want %q", stored.SID, sess.SID)
			}
		})
	}
}

func TestTraceRequest_FlatForm(t *testing.T) {
	var req TraceRequest
	body := `{"sid":"s","task":"book","events":[{"type":"tool_call"},{"type":"tool_call"},{"type":"tool_result"}],"completed_at":"2025-06-01T00:00:00Z"}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	if req.AgentTrace == nil {
		t.Fatal("AgentTrace = nil, want populated from flat fields")
	}
	if req.AgentTrace.Task != "book" || req.AgentTrace.CompletedAt != "2025-06-01T00:00:00Z" {
		t.Errorf("AgentTrace = %+v", req.AgentTrace)
	}
	summary := req.AgentTrace.EventSummary()
	if summary["tool_call"] != 2 || summary["tool_result"] != 1 {
		t.Errorf("EventSummary() = %v", summary)
	}
}
