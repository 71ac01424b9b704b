package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
)

const (
	messageHeader   = "-----BEGIN PGP MESSAGE-----"
	clearsignHeader = "-----BEGIN PGP SIGNED MESSAGE-----"
)

// Result reports the outcome of a decrypt or verify operation. Failure
// to decrypt is data, not an error: Err is set only when the keyring
// could not process the input at all (wrong key, malformed armor).
type Result struct {
	// Decrypted is true when the input was encrypted and this keyring
	// held the matching secret key.
	Decrypted bool

	// Plaintext is the recovered content. It is also populated for
	// signed-but-not-encrypted input.
	Plaintext []byte

	// SignatureValid is true when the input carried a signature that
	// checks out against a key on this keyring.
	SignatureValid bool

	// SignerKeyID is the key id of the (claimed) signer, when the
	// input carried a signature at all. It is set even when the
	// signature could not be checked, which is how a "PGP MESSAGE"
	// armor that is really just a signed message is detected.
	SignerKeyID uint64

	Err error
}

// OK reports whether the operation processed the input.
func (r Result) OK() bool { return r.Err == nil }

// Keyring is one identity's view of a message: the bot entities plus
// the correspondent's public entities when their key is on file.
type Keyring struct {
	identity      *Identity
	entities      openpgp.EntityList
	correspondent openpgp.EntityList
}

// Identity returns the bot identity this keyring belongs to.
func (k *Keyring) Identity() *Identity { return k.identity }

// Decrypt processes an armored or binary PGP message. Clearsigned
// input is verified instead, mirroring what a gnupg decrypt would do.
func (k *Keyring) Decrypt(data []byte) Result {
	trimmed := bytes.TrimSpace(data)

	if bytes.HasPrefix(trimmed, []byte(clearsignHeader)) {
		return k.verifyClearsign(trimmed)
	}

	var body io.Reader
	if bytes.HasPrefix(trimmed, []byte(messageHeader)) {
		block, err := armor.Decode(bytes.NewReader(trimmed))
		if err != nil {
			return Result{Err: fmt.Errorf("decoding armor: %w", err)}
		}
		body = block.Body
	} else {
		body = bytes.NewReader(data)
	}

	md, err := openpgp.ReadMessage(body, k.entities, nil, nil)
	if err != nil {
		return Result{Err: err}
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		// Integrity failures (bad MDC, truncated packets) surface
		// while draining the body.
		return Result{Err: err}
	}

	res := Result{
		Decrypted:   md.IsEncrypted,
		Plaintext:   plaintext,
		SignerKeyID: md.SignedByKeyId,
	}
	if md.IsSigned && md.SignatureError == nil && md.SignedBy != nil {
		res.SignatureValid = true
	}
	return res
}

// verifyClearsign checks a clearsigned block and returns its text.
func (k *Keyring) verifyClearsign(data []byte) Result {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return Result{Err: errors.New("malformed clearsigned message")}
	}

	res := Result{Plaintext: block.Plaintext}
	signer, err := openpgp.CheckDetachedSignature(
		k.entities, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body)
	if err == nil && signer != nil {
		res.SignatureValid = true
		res.SignerKeyID = signer.PrimaryKey.KeyId
	}
	return res
}

// VerifyDetached checks an armored detached signature over content.
func (k *Keyring) VerifyDetached(content, signature []byte) bool {
	signer, err := openpgp.CheckArmoredDetachedSignature(
		k.entities, bytes.NewReader(content), bytes.NewReader(signature))
	return err == nil && signer != nil
}

// EncryptAndSign produces an armored message encrypted to the
// correspondent and to the keyring's own identity, signed by the
// identity. Encrypting to self keeps the bot able to read its own
// outbox copies.
func (k *Keyring) EncryptAndSign(plaintext []byte) ([]byte, error) {
	if len(k.correspondent) == 0 {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, ErrNoCorrespondentKey)
	}
	recipients := make(openpgp.EntityList, 0, len(k.correspondent)+1)
	recipients = append(recipients, k.correspondent...)
	recipients = append(recipients, k.identity.signer())

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, err)
	}
	pw, err := openpgp.Encrypt(aw, recipients, k.identity.signer(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, err)
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("encrypting as %s: %w", k.identity.name, err)
	}
	return buf.Bytes(), nil
}
