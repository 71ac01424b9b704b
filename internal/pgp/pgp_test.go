package pgp_test

import (
	"errors"
	"strings"
	"testing"

	pgperrors "golang.org/x/crypto/openpgp/errors"

	"github.com/emailsec/decoybot/internal/pgp"
	"github.com/emailsec/decoybot/tests/testutil"
)

func newSession(t *testing.T, corrKey string) *pgp.Session {
	t.Helper()
	official, impostor, _ := testutil.Keys(t)
	s, err := pgp.NewSession(official.Identity, impostor.Identity, corrKey)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestIdentityAccessors(t *testing.T) {
	official, _, _ := testutil.Keys(t)
	id := official.Identity

	if id.Email() != "bot@example.org" {
		t.Errorf("Email = %q", id.Email())
	}
	if !strings.Contains(id.UID(), "bot@example.org") {
		t.Errorf("UID = %q, want it to carry the address", id.UID())
	}
	if id.Fingerprint() == "" {
		t.Error("Fingerprint is empty")
	}
	armored, err := id.PublicKeyArmor()
	if err != nil {
		t.Fatalf("PublicKeyArmor: %v", err)
	}
	if !strings.Contains(armored, "BEGIN PGP PUBLIC KEY BLOCK") {
		t.Errorf("PublicKeyArmor missing armor header:\n%s", armored)
	}
	if strings.Contains(armored, "PRIVATE KEY") {
		t.Error("PublicKeyArmor leaked private key material")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	s := newSession(t, corr.PublicArmor)

	armored := testutil.EncryptAndSign(t, []byte("the payload"), corr, official)

	res := s.Official.Decrypt(armored)
	if !res.OK() {
		t.Fatalf("Decrypt: %v", res.Err)
	}
	if !res.Decrypted {
		t.Error("Decrypted = false")
	}
	if !res.SignatureValid {
		t.Error("SignatureValid = false, correspondent key is on the ring")
	}
	if string(res.Plaintext) != "the payload" {
		t.Errorf("Plaintext = %q", res.Plaintext)
	}
}

func TestDecryptUnknownSigner(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	s := newSession(t, "") // no correspondent key on file

	armored := testutil.EncryptAndSign(t, []byte("hello"), corr, official)

	res := s.Official.Decrypt(armored)
	if !res.OK() || !res.Decrypted {
		t.Fatalf("Decrypt = %+v, want success", res)
	}
	if res.SignatureValid {
		t.Error("SignatureValid = true for a signer not on the ring")
	}
	if res.SignerKeyID == 0 {
		t.Error("SignerKeyID = 0, want the claimed signer id")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	_, impostor, corr := testutil.Keys(t)
	s := newSession(t, corr.PublicArmor)

	// Encrypted to the decoy key only.
	armored := testutil.EncryptAndSign(t, []byte("secret"), corr, impostor)

	res := s.Official.Decrypt(armored)
	if res.OK() {
		t.Fatalf("official keyring decrypted a message it has no key for")
	}
	if !errors.Is(res.Err, pgperrors.ErrKeyIncorrect) {
		t.Errorf("Err = %v, want ErrKeyIncorrect", res.Err)
	}

	if res := s.Impostor.Decrypt(armored); !res.OK() || !res.Decrypted {
		t.Fatalf("impostor keyring Decrypt = %+v, want success", res)
	}
}

func TestDecryptSignedOnlyMessage(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	s := newSession(t, corr.PublicArmor)

	armored := testutil.SignOnly(t, []byte("signed words"), corr)

	res := s.Official.Decrypt(armored)
	if !res.OK() {
		t.Fatalf("Decrypt: %v", res.Err)
	}
	if res.Decrypted {
		t.Error("Decrypted = true for a signed-only message")
	}
	if res.SignerKeyID == 0 {
		t.Error("SignerKeyID = 0, want the signer surfaced")
	}
	if !res.SignatureValid {
		t.Error("SignatureValid = false")
	}
	if string(res.Plaintext) != "signed words" {
		t.Errorf("Plaintext = %q", res.Plaintext)
	}
}

func TestDecryptClearsigned(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	s := newSession(t, corr.PublicArmor)

	block := testutil.ClearSign(t, "clear words", corr)

	res := s.Official.Decrypt(block)
	if !res.OK() {
		t.Fatalf("Decrypt: %v", res.Err)
	}
	if res.Decrypted {
		t.Error("Decrypted = true for a clearsigned message")
	}
	if !res.SignatureValid {
		t.Error("SignatureValid = false")
	}
	if !strings.Contains(string(res.Plaintext), "clear words") {
		t.Errorf("Plaintext = %q", res.Plaintext)
	}
}

func TestVerifyDetached(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	s := newSession(t, corr.PublicArmor)

	content := []byte("Content-Type: text/plain\r\n\r\nbody")
	sig := testutil.DetachSign(t, content, corr)

	if !s.Official.VerifyDetached(content, sig) {
		t.Error("VerifyDetached = false for a good signature")
	}
	tampered := append([]byte("x"), content...)
	if s.Official.VerifyDetached(tampered, sig) {
		t.Error("VerifyDetached = true for tampered content")
	}
}

func TestEncryptAndSignRequiresCorrespondentKey(t *testing.T) {
	s := newSession(t, "")

	_, err := s.Official.EncryptAndSign([]byte("reply"))
	if !errors.Is(err, pgp.ErrNoCorrespondentKey) {
		t.Fatalf("err = %v, want ErrNoCorrespondentKey", err)
	}
}

func TestScanKeys(t *testing.T) {
	_, _, corr := testutil.Keys(t)

	infos, err := pgp.ScanKeys(corr.PublicArmor)
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("ScanKeys returned %d keys, want 1", len(infos))
	}
	if infos[0].Fingerprint == "" {
		t.Error("empty fingerprint")
	}

	emails, err := pgp.KeyEmails(corr.PublicArmor)
	if err != nil {
		t.Fatalf("KeyEmails: %v", err)
	}
	if len(emails) != 1 || emails[0] != "alice@example.com" {
		t.Errorf("KeyEmails = %v", emails)
	}
}

func TestKeyEmailsRejectsGarbage(t *testing.T) {
	if _, err := pgp.KeyEmails("not a key"); err == nil {
		t.Fatal("expected an error for unparseable input")
	}
}
