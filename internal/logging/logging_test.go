package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		log, err := New(DefaultConfig())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if !log.Core().Enabled(zap.InfoLevel) || log.Core().Enabled(zap.DebugLevel) {
			t.Error("default level should be info")
		}
	})

	t.Run("RejectsUnknownLevel", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Level = "loud"
		if _, err := New(cfg); err == nil {
			t.Error("expected an error for an unknown level")
		}
	})

	t.Run("RejectsUnknownFormat", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Format = "xml"
		if _, err := New(cfg); err == nil {
			t.Error("expected an error for an unknown format")
		}
	})

	t.Run("File", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Format = "json"
		cfg.Level = "debug"
		cfg.File = filepath.Join(t.TempDir(), "node.log")

		log, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		log.Named("dht").Debug("lookup finished", zap.Int("rounds", 3))
		_ = log.Sync()

		raw, err := os.ReadFile(cfg.File)
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		line := string(raw)
		for _, want := range []string{`"logger":"dht"`, `"msg":"lookup finished"`, `"rounds":3`} {
			if !strings.Contains(line, want) {
				t.Errorf("log line %q missing %s", line, want)
			}
		}
	})
}
