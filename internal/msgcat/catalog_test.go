package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedKeysRender(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := map[string]any{"By": "a", "Winner": "b", "White": "a", "Black": "b", "Number": 3, "Content": "x"}
	for _, k := range []string{ChessStarted, ChessDrawOffered, ChessDrawDone, ChessDrawLapsed, ChessAborted, ChessResigned,
		ChessCheckmate, ChessStalemate, ChessGaveUp, RewindRequested, RewindAccepted, RewindDeclined, RewindCancelled,
		SubjectReloaded, SendFailed} {
		if _, err := c.Render(k, data); err != nil {
			t.Fatalf("render %s: %v", k, err)
		}
	}
}

func TestMissingFieldIsError(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render(ChessResigned, map[string]any{"By": "a"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if got := c.RenderOr("nope", nil, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr fallback: %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("chess:\n  stalemate: \"stale!\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, _ := c.Render(ChessStalemate, nil)
	if got != "stale!" {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("chess:\n  stalemate: \"dup\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}
