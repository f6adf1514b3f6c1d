package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.Mode != "mock" || cfg.TTS.SessionPolicy != "reject" {
		t.Fatalf("unexpected tts defaults: %+v", cfg.TTS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-piper.yaml")
	data := []byte(`
tts:
  mode: exec
  command: "piper-stream --json"
  model_path: /voices/en_US-lessac-medium.onnx
  session_policy: supersede
  options:
    lengthScale: 1.2
    speakerId: 3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTS.Command != "piper-stream --json" {
		t.Fatalf("unexpected command %q", cfg.TTS.Command)
	}
	if cfg.TTS.SessionPolicy != "supersede" {
		t.Fatalf("unexpected policy %q", cfg.TTS.SessionPolicy)
	}
	if cfg.TTS.Options["lengthScale"] != 1.2 {
		t.Fatalf("unexpected options %v", cfg.TTS.Options)
	}
	if cfg.TTS.RequestTimeoutMS != 45000 {
		t.Fatalf("expected default timeout to survive partial file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_PIPER_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_PIPER_BUS_USERNAME", "alice")
	t.Setenv("LOQA_PIPER_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_PIPER_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_PIPER_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_PIPER_JOURNAL_PATH", "./tmp.db")
	t.Setenv("LOQA_PIPER_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_PIPER_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("LOQA_PIPER_JOURNAL_MAX_SESSIONS", "123")
	t.Setenv("LOQA_PIPER_JOURNAL_VACUUM_ON_START", "true")
	t.Setenv("LOQA_PIPER_TTS_MODE", "exec")
	t.Setenv("LOQA_PIPER_TTS_COMMAND", "piper-stream")
	t.Setenv("LOQA_PIPER_TTS_MODEL_PATH", "/voices/a.onnx")
	t.Setenv("LOQA_PIPER_TTS_SESSION_POLICY", "supersede")
	t.Setenv("LOQA_PIPER_TTS_STRICT_OPTIONS", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected journal retention days override")
	}
	if cfg.Journal.MaxSessions != 123 {
		t.Fatalf("expected journal max sessions override")
	}
	if !cfg.Journal.VacuumOnStart {
		t.Fatalf("expected journal vacuum flag override")
	}
	if cfg.TTS.Mode != "exec" || cfg.TTS.Command != "piper-stream" || cfg.TTS.ModelPath != "/voices/a.onnx" {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.TTS.SessionPolicy != "supersede" || !cfg.TTS.StrictOptions {
		t.Fatalf("expected session policy and strict overrides")
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	t.Setenv("LOQA_PIPER_TTS_SESSION_POLICY", "queue")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	t.Setenv("LOQA_PIPER_TTS_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNodeOverrides(t *testing.T) {
	t.Setenv("LOQA_PIPER_NODE_ID", "piper-kitchen")
	t.Setenv("LOQA_PIPER_NODE_HEARTBEAT_INTERVAL_MS", "1000")
	t.Setenv("LOQA_PIPER_NODE_HEARTBEAT_TIMEOUT_MS", "3000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "piper-kitchen" || cfg.Node.HeartbeatIntervalMS != 1000 || cfg.Node.HeartbeatTimeoutMS != 3000 {
		t.Fatalf("unexpected node config %+v", cfg.Node)
	}

	t.Setenv("LOQA_PIPER_NODE_HEARTBEAT_TIMEOUT_MS", "500")
	if _, err := Load(""); err == nil {
		t.Fatal("expected timeout shorter than interval to be rejected")
	}
}
