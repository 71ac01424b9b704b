package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// ErrNoCorrespondentKey is returned when an operation needs the
// correspondent's public key and none is available: encrypting a reply
// without a key on file, or scanning a key block with no uid addresses.
var ErrNoCorrespondentKey = errors.New("pgp: no correspondent key for address")

// Identity is one of the bot's two fixed keypairs. It is loaded once at
// startup and shared, immutable, by every message session.
type Identity struct {
	name     string
	entities openpgp.EntityList
	uid      string
	email    string
}

// LoadIdentity reads an armored keypair from path. The raw armor is
// held in a locked buffer while parsing and wiped before returning;
// only the parsed key material stays resident.
func LoadIdentity(name, path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s key file: %w", name, err)
	}
	buf := memguard.NewBufferFromBytes(data)
	defer buf.Destroy()

	return NewIdentity(name, buf.Bytes(), passphrase)
}

// NewIdentity parses an armored keypair. The keyring must contain at
// least one entity with a secret key.
func NewIdentity(name string, armoredKeys, passphrase []byte) (*Identity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKeys))
	if err != nil {
		return nil, fmt.Errorf("parsing %s keyring: %w", name, err)
	}
	if len(entities) == 0 || entities[0].PrivateKey == nil {
		return nil, fmt.Errorf("%s keyring has no secret key", name)
	}

	for _, e := range entities {
		if e.PrivateKey != nil && e.PrivateKey.Encrypted {
			if err := e.PrivateKey.Decrypt(passphrase); err != nil {
				return nil, fmt.Errorf("unlocking %s key: %w", name, err)
			}
		}
		for _, sub := range e.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
					return nil, fmt.Errorf("unlocking %s subkey: %w", name, err)
				}
			}
		}
	}

	id := &Identity{name: name, entities: entities}
	for _, uid := range entities[0].Identities {
		if uid.UserId == nil || uid.UserId.Email == "" {
			continue
		}
		primary := uid.SelfSignature != nil &&
			uid.SelfSignature.IsPrimaryId != nil && *uid.SelfSignature.IsPrimaryId
		if id.email == "" || primary {
			id.uid = uid.Name
			id.email = strings.ToLower(uid.UserId.Email)
		}
		if primary {
			break
		}
	}
	if id.email == "" {
		return nil, fmt.Errorf("%s key has no uid email address", name)
	}
	return id, nil
}

// Name reports which identity this is ("official" or "impostor").
func (id *Identity) Name() string { return id.name }

// UID returns the full primary uid, e.g. "Bot <bot@example.org>".
// It is the value of the From header on replies sent as this identity.
func (id *Identity) UID() string { return id.uid }

// Email returns the lowercased uid address.
func (id *Identity) Email() string { return id.email }

// Fingerprint returns the primary key fingerprint in uppercase hex.
func (id *Identity) Fingerprint() string {
	return fmt.Sprintf("%X", id.entities[0].PrimaryKey.Fingerprint)
}

// PublicKeyArmor exports the armored public part of the keypair.
func (id *Identity) PublicKeyArmor() (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("exporting %s public key: %w", id.name, err)
	}
	for _, e := range id.entities {
		if err := e.Serialize(aw); err != nil {
			return "", fmt.Errorf("exporting %s public key: %w", id.name, err)
		}
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("exporting %s public key: %w", id.name, err)
	}
	return buf.String(), nil
}

// signer returns the entity used for signing replies.
func (id *Identity) signer() *openpgp.Entity {
	return id.entities[0]
}
