// Package mailbox abstracts the store the daemon polls for incoming
// mail. Two production backends exist, a local Maildir and a remote
// IMAP folder, plus an in-memory one for tests.
package mailbox

import (
	"context"
	"errors"
)

// ErrNotLocked is returned by operations invoked outside a
// Lock/Unlock span.
var ErrNotLocked = errors.New("mailbox: not locked")

// Mailbox is one polling source. A poll pass brackets its work in
// Lock/Unlock; for the IMAP backend that span is a live connection
// with the folder selected.
type Mailbox interface {
	// Lock acquires the mailbox for one pass.
	Lock(ctx context.Context) error

	// Unlock releases the mailbox. Unlocking an unlocked mailbox is
	// a no-op.
	Unlock() error

	// Keys lists the messages currently in the mailbox.
	Keys(ctx context.Context) ([]string, error)

	// Message returns the raw bytes of one message.
	Message(ctx context.Context, key string) ([]byte, error)

	// Remove deletes one message.
	Remove(ctx context.Context, key string) error
}
