package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.json")
	content := []byte(`{
		"storage": {"mesh_store": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/mesh"}},
		"ledger": {"definitions": "mints.yaml"},
		"logging": {"audit": {"enabled": true, "path": "logs/audit.log"}}
	}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("default server address: %q", cfg.Server.Address)
	}
	if cfg.Storage.MeshStore.Driver != "mysql" {
		t.Fatalf("explicit driver lost: %q", cfg.Storage.MeshStore.Driver)
	}
	if cfg.EventBus.Driver != "memory" || cfg.EventBus.Redis.List != "agentmesh:events" || cfg.EventBus.RabbitMQ.Queue != "agentmesh.events" {
		t.Fatalf("event bus defaults not applied: %+v", cfg.EventBus)
	}
	if cfg.Ledger.Driver != "memory" || cfg.Ledger.OperatorKeyEnv != "AGENTMESH_OPERATOR_KEY" {
		t.Fatalf("ledger defaults not applied: %+v", cfg.Ledger)
	}
	// 相对路径以配置文件所在目录为基准。
	if cfg.Ledger.Definitions != filepath.Join(dir, "mints.yaml") {
		t.Fatalf("definitions path not resolved: %q", cfg.Ledger.Definitions)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs/audit.log") {
		t.Fatalf("audit path not resolved: %q", cfg.Logging.Audit.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults not applied: %+v", cfg.Logging)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path must be rejected")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("missing file must be rejected")
	}
}
