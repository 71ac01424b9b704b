package store

import (
	"context"

	"github.com/emailsec/decoybot/internal/model"
)

// Store defines the persistence interface for correspondent records.
// All addresses are lowercased by the implementation, so lookups are
// case-insensitive by construction.
type Store interface {
	// Correspondent returns the record for the given address, or nil
	// when the address has never been seen.
	Correspondent(ctx context.Context, email string) (*model.Correspondent, error)

	// PublicKey returns the armored public key stored for the address.
	// The bool reports whether a key is on file.
	PublicKey(ctx context.Context, email string) (string, bool, error)

	// SetPublicKey stores a new public key for the address, creating
	// the record if needed. Replacing a key clears the decoy timestamp
	// as a side effect.
	SetPublicKey(ctx context.Context, email, armoredKey string) error

	// DecoySentAt returns the unix timestamp of the first decoy reply
	// sent to the address. The bool reports whether one was recorded.
	DecoySentAt(ctx context.Context, email string) (int64, bool, error)

	// MarkDecoySent records the timestamp of a decoy reply. The first
	// write wins: a timestamp already on file is never advanced.
	MarkDecoySent(ctx context.Context, email string, ts int64) error

	Close() error
}
