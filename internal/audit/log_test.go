package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"agentgrid.org/internal/auth"
	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithSubject(ctx, authz.Subject{ID: "user-42", Role: authz.RoleCompanyAdmin, OrganizationID: "acme"})

	if err := LogEvent(ctx, "grant.create", map[string]any{"agent_id": "free-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "grant.create" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["subject_id"] != "user-42" {
		t.Fatalf("unexpected subject id: %v", entry["subject_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["agent_id"] != "free-1" {
		t.Fatalf("unexpected fields: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
