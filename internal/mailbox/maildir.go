package mailbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/emersion/go-maildir"
)

// MaildirBox reads from a local Maildir. Locking is an in-process
// mutex plus a dot-lock file, so a second daemon instance pointed at
// the same Maildir fails loudly instead of racing the first.
type MaildirBox struct {
	dir      maildir.Dir
	lockPath string

	mu     sync.Mutex
	locked bool
}

var _ Mailbox = (*MaildirBox)(nil)

// NewMaildir opens the Maildir at path, creating its directory
// structure when missing.
func NewMaildir(path string) (*MaildirBox, error) {
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("initializing maildir %s: %w", path, err)
	}
	return &MaildirBox{dir: dir, lockPath: filepath.Join(path, ".decoybot.lock")}, nil
}

func (b *MaildirBox) Lock(ctx context.Context) error {
	b.mu.Lock()
	f, err := os.OpenFile(b.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("acquiring maildir lock: %w", err)
	}
	f.Close()
	b.locked = true
	return nil
}

func (b *MaildirBox) Unlock() error {
	if !b.locked {
		return nil
	}
	b.locked = false
	err := os.Remove(b.lockPath)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("releasing maildir lock: %w", err)
	}
	return nil
}

// Keys moves newly delivered messages into cur and lists everything
// present.
func (b *MaildirBox) Keys(ctx context.Context) ([]string, error) {
	if !b.locked {
		return nil, ErrNotLocked
	}
	if _, err := b.dir.Unseen(); err != nil {
		return nil, fmt.Errorf("accepting new messages: %w", err)
	}
	msgs, err := b.dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("listing maildir: %w", err)
	}
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.Key())
	}
	return keys, nil
}

func (b *MaildirBox) Message(ctx context.Context, key string) ([]byte, error) {
	if !b.locked {
		return nil, ErrNotLocked
	}
	msg, err := b.dir.MessageByKey(key)
	if err != nil {
		return nil, fmt.Errorf("looking up message %s: %w", key, err)
	}
	r, err := msg.Open()
	if err != nil {
		return nil, fmt.Errorf("opening message %s: %w", key, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading message %s: %w", key, err)
	}
	return raw, nil
}

func (b *MaildirBox) Remove(ctx context.Context, key string) error {
	if !b.locked {
		return ErrNotLocked
	}
	msg, err := b.dir.MessageByKey(key)
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", key, err)
	}
	if err := msg.Remove(); err != nil {
		return fmt.Errorf("removing message %s: %w", key, err)
	}
	return nil
}
