// Command decoybot polls a mailbox for PGP-encrypted requests and
// answers them with the official or the decoy identity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/bot"
	"github.com/emailsec/decoybot/internal/credential"
	"github.com/emailsec/decoybot/internal/keyserver"
	"github.com/emailsec/decoybot/internal/mailbox"
	"github.com/emailsec/decoybot/internal/model"
	"github.com/emailsec/decoybot/internal/pgp"
	"github.com/emailsec/decoybot/internal/smtp"
	"github.com/emailsec/decoybot/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	setCred := flag.String("set-credential",
		"", "store a secret read from stdin under the given keyring key (smtp-password or imap-password) and exit")
	delCred := flag.String("delete-credential",
		"", "remove the given key from the system keyring and exit")
	flag.Parse()

	if *setCred != "" || *delCred != "" {
		if err := manageCredential(*setCred, *delCred); err != nil {
			fmt.Fprintf(os.Stderr, "decoybot: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decoybot: %v\n", err)
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "decoybot",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := run(cfg, log); err != nil {
		log.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *model.AppConfig, log hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	official, err := pgp.LoadIdentity("official", cfg.Bot.OfficialKeyFile, nil)
	if err != nil {
		return err
	}
	impostor, err := pgp.LoadIdentity("impostor", cfg.Bot.ImpostorKeyFile, nil)
	if err != nil {
		return err
	}
	log.Info("identities loaded",
		"official", official.Email(), "impostor", impostor.Email())

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "decoybot.sqlite3"))
	if err != nil {
		return err
	}
	defer st.Close()

	resolveSecrets(cfg, log)

	box, err := openMailbox(cfg)
	if err != nil {
		return err
	}

	if cfg.KeyServer.Enabled {
		ks := keyserver.New(cfg.KeyServer, st, official, log)
		go func() {
			if err := ks.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("key server exited", "error", err)
			}
		}()
	}

	sender := smtp.NewSender(cfg.SMTP, log)
	b := bot.New(cfg, st, box, sender, official, impostor, log)

	log.Info("polling mailbox", "backend", cfg.Mailbox.Backend, "interval", cfg.PollInterval())
	if err := b.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// manageCredential services the -set-credential and -delete-credential
// flags. The secret is taken from stdin so it never appears in the
// process list.
func manageCredential(set, del string) error {
	switch {
	case set != "":
		if err := checkCredentialKey(set); err != nil {
			return err
		}
		secret, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading secret from stdin: %w", err)
		}
		value := strings.TrimSpace(string(secret))
		if value == "" {
			return fmt.Errorf("empty secret on stdin")
		}
		return credential.Set(set, value)
	default:
		if err := checkCredentialKey(del); err != nil {
			return err
		}
		return credential.Delete(del)
	}
}

func checkCredentialKey(key string) error {
	if key != credential.SMTPPassword && key != credential.IMAPPassword {
		return fmt.Errorf("unknown credential key %q", key)
	}
	return nil
}

// resolveSecrets fills in passwords left out of the config file from
// the system keyring. A miss is not fatal; the endpoint may simply not
// need authentication.
func resolveSecrets(cfg *model.AppConfig, log hclog.Logger) {
	if cfg.SMTP.Password == "" && cfg.SMTP.Username != "" {
		if pw, err := credential.Get(credential.SMTPPassword); err == nil {
			cfg.SMTP.Password = pw
		} else {
			log.Debug("no smtp password in keyring", "error", err)
		}
	}
	if cfg.Mailbox.IMAP.Password == "" && cfg.Mailbox.IMAP.Username != "" {
		if pw, err := credential.Get(credential.IMAPPassword); err == nil {
			cfg.Mailbox.IMAP.Password = pw
		} else {
			log.Debug("no imap password in keyring", "error", err)
		}
	}
}

func openMailbox(cfg *model.AppConfig) (mailbox.Mailbox, error) {
	switch cfg.Mailbox.Backend {
	case "maildir":
		return mailbox.NewMaildir(cfg.Mailbox.MaildirPath)
	case "imap":
		return mailbox.NewIMAP(cfg.Mailbox.IMAP), nil
	default:
		return nil, fmt.Errorf("unknown mailbox backend %q", cfg.Mailbox.Backend)
	}
}
