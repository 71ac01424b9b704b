package model

// Correspondent is one row of the correspondent table, keyed by the
// lowercased email address.
type Correspondent struct {
	// Email is the lowercased address the record is keyed by.
	Email string `db:"email_address"`

	// PublicKey is the correspondent's armored public key, when known.
	PublicKey *string `db:"public_key"`

	// DecoySentAt is the unix timestamp of the first decoy reply sent
	// to this correspondent. It is cleared whenever PublicKey is
	// replaced: a new key means the correspondent is unknown again.
	DecoySentAt *int64 `db:"decoy_sent_at"`
}
