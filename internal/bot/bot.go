// Package bot runs the polling loop: it drains the mailbox, decides
// which messages are genuine requests, and answers them with the
// official or the decoy identity.
package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/mailbox"
	"github.com/emailsec/decoybot/internal/model"
	"github.com/emailsec/decoybot/internal/pgp"
	"github.com/emailsec/decoybot/internal/store"
)

// Sender submits one finished reply.
type Sender interface {
	Send(ctx context.Context, from, to string, raw []byte) error
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Bot owns one mailbox and drains it on a fixed interval.
type Bot struct {
	cfg      *model.AppConfig
	store    store.Store
	box      mailbox.Mailbox
	sender   Sender
	official *pgp.Identity
	impostor *pgp.Identity
	log      hclog.Logger

	triggers map[string]struct{}

	// failed holds keys of messages that errored during processing.
	// They stay in the mailbox but are skipped on later passes, so one
	// poison message cannot wedge the loop.
	failed map[string]struct{}

	// now is replaced in tests to step through the silence window.
	now func() time.Time
}

func New(cfg *model.AppConfig, st store.Store, box mailbox.Mailbox, sender Sender,
	official, impostor *pgp.Identity, log hclog.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		store:    st,
		box:      box,
		sender:   sender,
		official: official,
		impostor: impostor,
		log:      log.Named("bot"),
		triggers: cfg.TriggerWordSet(),
		failed:   make(map[string]struct{}),
		now:      time.Now,
	}
}

// Run polls until the context is cancelled. The first pass happens
// immediately.
func (b *Bot) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if err := b.Pass(ctx); err != nil {
			b.log.Error("mailbox pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass drains the mailbox once.
func (b *Bot) Pass(ctx context.Context) error {
	if err := b.box.Lock(ctx); err != nil {
		return fmt.Errorf("locking mailbox: %w", err)
	}
	defer b.box.Unlock()

	keys, err := b.box.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing mailbox: %w", err)
	}

	for _, key := range keys {
		if _, bad := b.failed[key]; bad {
			b.log.Debug("skipping previously failed message", "key", key)
			continue
		}
		if err := b.handle(ctx, key); err != nil {
			b.failed[key] = struct{}{}
			b.log.Warn("message processing failed, parking it", "key", key, "error", err)
			continue
		}
		if err := b.box.Remove(ctx, key); err != nil {
			return fmt.Errorf("removing message %s: %w", key, err)
		}
	}
	return nil
}

// containsTrigger reports whether the text carries any of the
// configured trigger words. Tokens match whole and case-insensitively.
func (b *Bot) containsTrigger(text string) bool {
	for _, word := range wordRe.FindAllString(text, -1) {
		if _, ok := b.triggers[strings.ToUpper(word)]; ok {
			return true
		}
	}
	return false
}
