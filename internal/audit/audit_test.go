package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-pilot/internal/shared"
)

func TestRecord_WritesJSONLWithRedaction(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-42")
	Record(ctx, "deny", "scheduler.dispatch", "api_key=abcdef0123456789abcdef budget exceeded", "agent-1")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	line := strings.TrimSpace(string(data))

	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if got["decision"] != "deny" || got["action"] != "scheduler.dispatch" {
		t.Fatalf("unexpected entry: %v", got)
	}
	if got["trace_id"] != "trace-42" {
		t.Fatalf("expected trace_id trace-42, got %v", got["trace_id"])
	}
	reason, _ := got["reason"].(string)
	if strings.Contains(reason, "abcdef0123456789abcdef") {
		t.Fatalf("secret leaked into audit reason: %q", reason)
	}
	if DenyCount() < 1 {
		t.Fatalf("expected deny count >= 1, got %d", DenyCount())
	}
}
