package obslog

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceRestores(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := Replace(zap.New(core))
	Named("store").Info("message_inserted", zap.Int64("channel_id", 3))
	restore()

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	e := logs.All()[0]
	if e.LoggerName != "store" || e.Message != "message_inserted" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	// after restore the observer must not receive anything
	L().Info("ignored")
	if logs.Len() != 1 {
		t.Fatalf("restore did not swap logger back")
	}
}

func TestBuildFileCore(t *testing.T) {
	dir := t.TempDir()
	l, err := Build(Options{Level: "debug", Format: "json", ToFile: true, FilePath: filepath.Join(dir, "sub", "x.log")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l.Debug("hello")
	_ = l.Sync()
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARNING") != zap.WarnLevel {
		t.Fatalf("warning should map to warn")
	}
	if parseLevel("bogus") != zap.InfoLevel {
		t.Fatalf("unknown level should map to info")
	}
}
