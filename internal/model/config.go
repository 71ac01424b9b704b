package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MailboxConfig selects and configures the mailbox the bot polls.
type MailboxConfig struct {
	// Backend is either "maildir" or "imap".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// MaildirPath is the root of the Maildir when Backend is "maildir".
	MaildirPath string `mapstructure:"maildir_path" yaml:"maildir_path"`

	// IMAP holds the connection settings when Backend is "imap".
	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	Folder   string `mapstructure:"folder" yaml:"folder"`
}

// SMTPConfig holds the submission endpoint used for outgoing replies.
// When Password is empty the password is resolved from the system
// keyring (see internal/credential).
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	StartTLS bool   `mapstructure:"starttls" yaml:"starttls"`
}

// BotConfig configures the classification and reply engine.
type BotConfig struct {
	// OfficialKeyFile is the armored keypair of the official identity.
	OfficialKeyFile string `mapstructure:"official_key_file" yaml:"official_key_file"`

	// ImpostorKeyFile is the armored keypair of the decoy identity.
	ImpostorKeyFile string `mapstructure:"impostor_key_file" yaml:"impostor_key_file"`

	// TriggerWords qualify an encrypted, verified message part as a
	// genuine request. Matching is case-insensitive.
	TriggerWords []string `mapstructure:"trigger_words" yaml:"trigger_words"`

	// SilencePeriodSec is how long requests from a correspondent are
	// ignored after their first decoy reply. Zero disables the window.
	SilencePeriodSec int64 `mapstructure:"silence_period_sec" yaml:"silence_period_sec"`

	// PollIntervalSec is the pause between mailbox passes.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// ReplyBody is the plain text body of every reply, regardless of
	// the identity that signs it.
	ReplyBody string `mapstructure:"reply_body" yaml:"reply_body"`
}

// KeyServerConfig configures the static-file and key-upload HTTP server.
type KeyServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	RootDir    string `mapstructure:"root_dir" yaml:"root_dir"`
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
}

// AppConfig is the top-level daemon configuration.
type AppConfig struct {
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
	Bot       BotConfig       `mapstructure:"bot" yaml:"bot"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox" yaml:"mailbox"`
	SMTP      SMTPConfig      `mapstructure:"smtp" yaml:"smtp"`
	KeyServer KeyServerConfig `mapstructure:"key_server" yaml:"key_server"`
}

// SilencePeriod returns the configured silence window as a duration.
func (c *AppConfig) SilencePeriod() time.Duration {
	return time.Duration(c.Bot.SilencePeriodSec) * time.Second
}

// PollInterval returns the pause between mailbox passes.
func (c *AppConfig) PollInterval() time.Duration {
	if c.Bot.PollIntervalSec <= 0 {
		return time.Second
	}
	return time.Duration(c.Bot.PollIntervalSec) * time.Second
}

// TriggerWordSet returns the configured trigger words uppercased,
// as a set.
func (c *AppConfig) TriggerWordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Bot.TriggerWords))
	for _, w := range c.Bot.TriggerWords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		set[strings.ToUpper(w)] = struct{}{}
	}
	return set
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/decoybot/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "decoybot", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".local", "share", "decoybot"),
		Bot: BotConfig{
			PollIntervalSec: 1,
			ReplyBody:       "Message received.",
		},
		Mailbox: MailboxConfig{
			Backend:     "maildir",
			MaildirPath: filepath.Join(home, "Maildir"),
		},
		SMTP: SMTPConfig{
			Host: "localhost",
			Port: "25",
		},
		KeyServer: KeyServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("log_level", "info")
	v.SetDefault("bot.poll_interval_sec", 1)
	v.SetDefault("bot.reply_body", "Message received.")
	v.SetDefault("mailbox.backend", "maildir")
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", "25")
	v.SetDefault("key_server.listen_addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Mailbox.Backend != "maildir" && cfg.Mailbox.Backend != "imap" {
		return nil, fmt.Errorf("config %s: unknown mailbox backend %q", path, cfg.Mailbox.Backend)
	}

	return cfg, nil
}
