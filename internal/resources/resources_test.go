package resources

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
)

type fakeSource struct {
	b   *backup.Backup
	err error
}

func (f fakeSource) Latest() (*backup.Backup, error) { return f.b, f.err }

func readReq(uri string) mcp.ReadResourceRequest {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return req
}

func text(t *testing.T, contents []mcp.ResourceContents) mcp.TextResourceContents {
	t.Helper()
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected text contents, got %T", contents[0])
	}
	return tc
}

func TestHandleLatestBackup(t *testing.T) {
	h := NewHandler(fakeSource{b: &backup.Backup{ID: "b1", Locations: []string{"/x/b1"}}}, config.DefaultConfig())

	out, err := h.HandleLatestBackup(context.Background(), readReq(LatestBackupURI))
	if err != nil {
		t.Fatalf("HandleLatestBackup: %v", err)
	}
	tc := text(t, out)
	if tc.MIMEType != "application/json" {
		t.Errorf("mime = %q", tc.MIMEType)
	}
	var got backup.Backup
	if err := json.Unmarshal([]byte(tc.Text), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.ID != "b1" {
		t.Errorf("id = %q", got.ID)
	}
}

func TestHandleLatestBackup_NoBackups(t *testing.T) {
	h := NewHandler(fakeSource{err: errors.New("no backups")}, config.DefaultConfig())

	out, err := h.HandleLatestBackup(context.Background(), readReq(LatestBackupURI))
	if err != nil {
		t.Fatalf("errors are reported in the resource body, got %v", err)
	}
	if tc := text(t, out); !strings.HasPrefix(tc.Text, "Error: no backups") {
		t.Errorf("text = %q", tc.Text)
	}
}

func TestHandleConfig(t *testing.T) {
	h := NewHandler(fakeSource{}, config.DefaultConfig())

	out, err := h.HandleConfig(context.Background(), readReq(ConfigURI))
	if err != nil {
		t.Fatalf("HandleConfig: %v", err)
	}
	if tc := text(t, out); !strings.Contains(tc.Text, "project.name") {
		t.Errorf("config should list protected paths:\n%s", tc.Text)
	}
}
