package testutil

import (
	"bytes"
	"sync"
	"testing"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
	"golang.org/x/crypto/openpgp/packet"

	// Generated keys advertise RIPEMD160 among their hash
	// preferences; encrypting to them needs it registered.
	_ "golang.org/x/crypto/ripemd160"

	"github.com/emailsec/decoybot/internal/pgp"
)

// TestKey is a generated keypair seen from both sides: the raw entity
// for acting as a correspondent, and the parsed Identity for running
// the bot's own code paths.
type TestKey struct {
	Entity      *openpgp.Entity
	Identity    *pgp.Identity
	PublicArmor string
}

// Small keys keep the test suite fast. Never copy this into
// production configuration.
var testConfig = &packet.Config{RSABits: 1024}

// NewTestKey generates a fresh keypair for the given user id.
func NewTestKey(t *testing.T, name, email string) *TestKey {
	t.Helper()

	key, err := newTestKey(name, email)
	if err != nil {
		t.Fatalf("generating key for %s: %v", email, err)
	}
	return key
}

func newTestKey(name, email string) (*TestKey, error) {
	entity, err := openpgp.NewEntity(name, "", email, testConfig)
	if err != nil {
		return nil, err
	}

	// Serializing and re-reading materializes the self-signatures.
	var priv bytes.Buffer
	aw, err := armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := entity.SerializePrivate(aw, testConfig); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	identity, err := pgp.NewIdentity(name, priv.Bytes(), nil)
	if err != nil {
		return nil, err
	}
	pub, err := identity.PublicKeyArmor()
	if err != nil {
		return nil, err
	}

	return &TestKey{Entity: entity, Identity: identity, PublicArmor: pub}, nil
}

var (
	keysOnce sync.Once
	keysErr  error
	official *TestKey
	impostor *TestKey
	corr     *TestKey
)

// Keys returns a cached official/impostor/correspondent trio. Key
// generation dominates test time, so the trio is shared across tests;
// none of them mutates a key.
func Keys(t *testing.T) (officialKey, impostorKey, corrKey *TestKey) {
	t.Helper()

	keysOnce.Do(func() {
		pairs := []struct {
			name, email string
			dst         **TestKey
		}{
			{"Official Identity", "bot@example.org", &official},
			{"Decoy Identity", "decoy@example.org", &impostor},
			{"Alice Correspondent", "alice@example.com", &corr},
		}
		for _, p := range pairs {
			key, err := newTestKey(p.name, p.email)
			if err != nil {
				keysErr = err
				return
			}
			*p.dst = key
		}
	})
	if keysErr != nil {
		t.Fatalf("generating shared test keys: %v", keysErr)
	}
	return official, impostor, corr
}

// EncryptAndSign armors a message encrypted to the recipients and
// signed by the signer.
func EncryptAndSign(t *testing.T, payload []byte, signer *TestKey, recipients ...*TestKey) []byte {
	t.Helper()

	to := make(openpgp.EntityList, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, r.Entity)
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		t.Fatalf("starting armor: %v", err)
	}
	var signEntity *openpgp.Entity
	if signer != nil {
		signEntity = signer.Entity
	}
	pw, err := openpgp.Encrypt(aw, to, signEntity, nil, testConfig)
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	if _, err := pw.Write(payload); err != nil {
		t.Fatalf("writing plaintext: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("finishing message: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("finishing armor: %v", err)
	}
	return buf.Bytes()
}

// SignOnly armors a signed but unencrypted message. Old Outlook
// plugins emitted these under the same "PGP MESSAGE" header as
// encrypted mail.
func SignOnly(t *testing.T, payload []byte, signer *TestKey) []byte {
	t.Helper()

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		t.Fatalf("starting armor: %v", err)
	}
	pw, err := openpgp.Sign(aw, signer.Entity, nil, testConfig)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if _, err := pw.Write(payload); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("finishing message: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("finishing armor: %v", err)
	}
	return buf.Bytes()
}

// ClearSign wraps text in a clearsigned block.
func ClearSign(t *testing.T, text string, signer *TestKey) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, signer.Entity.PrivateKey, testConfig)
	if err != nil {
		t.Fatalf("starting clearsign: %v", err)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		t.Fatalf("writing clearsign body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("finishing clearsign: %v", err)
	}
	return buf.Bytes()
}

// DetachSign produces an armored detached signature over content.
func DetachSign(t *testing.T, content []byte, signer *TestKey) []byte {
	t.Helper()

	var buf bytes.Buffer
	err := openpgp.ArmoredDetachSign(&buf, signer.Entity, bytes.NewReader(content), testConfig)
	if err != nil {
		t.Fatalf("detach signing: %v", err)
	}
	return buf.Bytes()
}
