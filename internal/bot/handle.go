package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/message"
	"github.com/emailsec/decoybot/internal/pgp"
)

// handle runs one message through the pipeline. A nil return means the
// message is dealt with and may leave the mailbox, whether or not a
// reply went out. An error parks the message.
func (b *Bot) handle(ctx context.Context, key string) error {
	raw, err := b.box.Message(ctx, key)
	if err != nil {
		return fmt.Errorf("reading message %s: %w", key, err)
	}

	from, err := message.Sender(raw)
	if err != nil {
		return fmt.Errorf("message %s: %w", key, err)
	}
	log := b.log.With("key", key, "from", from)

	if from == b.official.Email() || from == b.impostor.Email() {
		log.Warn("dropping message from own identity")
		return nil
	}

	msg, session, err := b.open(ctx, raw, from)
	if err != nil {
		return err
	}

	stored, err := b.ingestKeys(ctx, msg, from, log)
	if err != nil {
		msg.Close()
		session.Close()
		return err
	}
	if stored {
		// A fresh key changes what decrypts; classify against it.
		msg.Close()
		session.Close()
		if msg, session, err = b.open(ctx, raw, from); err != nil {
			return err
		}
	}
	defer session.Close()
	defer msg.Close()

	decoyAt, recorded, err := b.store.DecoySentAt(ctx, from)
	if err != nil {
		return err
	}
	if window := b.cfg.SilencePeriod(); recorded && window > 0 &&
		b.now().Before(time.Unix(decoyAt, 0).Add(window)) {
		log.Info("silence window active, dropping request")
		return nil
	}

	recipients := msg.Recipients()
	if _, toOfficial := recipients[b.official.Email()]; !toOfficial {
		if _, toImpostor := recipients[b.impostor.Email()]; !toImpostor {
			log.Warn("message not addressed to the bot, dropping")
			return nil
		}
	}

	part, reason := b.evaluate(msg)
	if part == nil {
		log.Warn("rejecting request", "reason", reason)
		return nil
	}

	ring := session.Official
	markDecoy := false
	switch {
	case part.ForImpostor:
		ring = session.Impostor
		markDecoy = true
		log.Info("request addressed the decoy key, replying as decoy")
	case !recorded:
		ring = session.Impostor
		markDecoy = true
		log.Info("first contact, replying as decoy")
	default:
		log.Info("decoy already served, replying as official identity")
	}

	reply, err := message.BuildReply(ring, msg, b.cfg.Bot.ReplyBody)
	if err != nil {
		if errors.Is(err, pgp.ErrNoCorrespondentKey) {
			log.Warn("no correspondent key on file, cannot encrypt reply")
			return nil
		}
		return fmt.Errorf("building reply: %w", err)
	}
	if err := b.sender.Send(ctx, ring.Identity().Email(), msg.From, reply); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	if markDecoy {
		if err := b.store.MarkDecoySent(ctx, from, b.now().Unix()); err != nil {
			return err
		}
	}
	log.Info("replied", "identity", ring.Identity().Name())
	return nil
}

// open loads the correspondent's key and parses the message under a
// fresh cryptographic session.
func (b *Bot) open(ctx context.Context, raw []byte, from string) (*message.IncomingMessage, *pgp.Session, error) {
	corrKey, _, err := b.store.PublicKey(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	session, err := pgp.NewSession(b.official, b.impostor, corrKey)
	if err != nil {
		return nil, nil, fmt.Errorf("building session for %s: %w", from, err)
	}
	msg, err := message.NewIncoming(raw, session, b.log)
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	return msg, session, nil
}

// ingestKeys stores any key block the correspondent mailed that names
// their own address. It reports whether a key was stored.
func (b *Bot) ingestKeys(ctx context.Context, msg *message.IncomingMessage, from string, log hclog.Logger) (bool, error) {
	stored := false
	for _, block := range msg.PGPKeyBlocks() {
		emails, err := pgp.KeyEmails(block)
		if err != nil {
			log.Warn("unreadable key block in message", "error", err)
			continue
		}
		for _, email := range emails {
			if email != from {
				continue
			}
			if err := b.store.SetPublicKey(ctx, from, block); err != nil {
				return stored, err
			}
			log.Info("stored correspondent key")
			stored = true
			break
		}
	}
	return stored, nil
}

// evaluate applies the request policy part by part and returns the
// first qualifying one. Every rejected candidate is logged with its
// reason; one valid part anywhere in the message is enough.
func (b *Bot) evaluate(msg *message.IncomingMessage) (*message.Part, string) {
	parts := msg.Parts()
	if len(parts) == 0 {
		return nil, "no readable parts"
	}
	for i, p := range parts {
		switch {
		case !p.Encrypted:
			b.log.Warn("part rejected", "part", i, "reason", "not encrypted")
		case !p.SignedAndVerified:
			b.log.Warn("part rejected", "part", i, "reason", "signature missing or invalid")
		case !b.containsTrigger(p.PlainText()):
			b.log.Warn("part rejected", "part", i, "reason", "no trigger word")
		default:
			return p, ""
		}
	}
	return nil, "no qualifying part"
}
