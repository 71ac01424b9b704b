package model_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emailsec/decoybot/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
bot:
  official_key_file: /keys/official.asc
  impostor_key_file: /keys/impostor.asc
  trigger_words: [handover, escrow]
  silence_period_sec: 7200
mailbox:
  backend: imap
  imap:
    host: mail.example.org
    port: "993"
    tls: true
smtp:
  host: mail.example.org
  port: "587"
  starttls: true
`)

	cfg, err := model.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Mailbox.Backend != "imap" || !cfg.Mailbox.IMAP.TLS {
		t.Errorf("mailbox = %+v", cfg.Mailbox)
	}
	if cfg.SilencePeriod() != 2*time.Hour {
		t.Errorf("SilencePeriod = %v", cfg.SilencePeriod())
	}
	if !cfg.SMTP.StartTLS {
		t.Error("SMTP.StartTLS = false")
	}
	// Defaults fill what the file leaves out.
	if cfg.Bot.ReplyBody == "" {
		t.Error("ReplyBody default missing")
	}
	if cfg.PollInterval() != time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mailbox.Backend != "maildir" {
		t.Errorf("default backend = %q", cfg.Mailbox.Backend)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "mailbox:\n  backend: pigeon\n")
	if _, err := model.LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestTriggerWordSet(t *testing.T) {
	cfg := &model.AppConfig{Bot: model.BotConfig{
		TriggerWords: []string{"handover", " Escrow ", ""},
	}}

	set := cfg.TriggerWordSet()
	if len(set) != 2 {
		t.Fatalf("TriggerWordSet = %v", set)
	}
	for _, want := range []string{"HANDOVER", "ESCROW"} {
		if _, ok := set[want]; !ok {
			t.Errorf("set missing %q: %v", want, set)
		}
	}
}
