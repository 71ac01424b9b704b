package pgp

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/openpgp"
)

// Session is the per-message cryptographic context: both bot identities
// materialized as keyrings, each seeded with the correspondent's public
// key when one is on file. A session is scoped to the processing of a
// single incoming message and must be Closed on every exit path.
type Session struct {
	Official *Keyring
	Impostor *Keyring
	closed   bool
}

// NewSession builds a session for one correspondent. correspondentKey
// may be empty when no key is on file; decryption still works, only
// signature verification of the correspondent will fail.
func NewSession(official, impostor *Identity, correspondentKey string) (*Session, error) {
	var corr openpgp.EntityList
	if correspondentKey != "" {
		var err error
		corr, err = openpgp.ReadArmoredKeyRing(bytes.NewReader([]byte(correspondentKey)))
		if err != nil {
			return nil, fmt.Errorf("parsing correspondent key: %w", err)
		}
	}

	return &Session{
		Official: newKeyring(official, corr),
		Impostor: newKeyring(impostor, corr),
	}, nil
}

func newKeyring(id *Identity, corr openpgp.EntityList) *Keyring {
	entities := make(openpgp.EntityList, 0, len(id.entities)+len(corr))
	entities = append(entities, id.entities...)
	entities = append(entities, corr...)
	return &Keyring{identity: id, entities: entities, correspondent: corr}
}

// Close releases the session's keyrings. Safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.Official.entities = nil
	s.Official.correspondent = nil
	s.Impostor.entities = nil
	s.Impostor.correspondent = nil
}
