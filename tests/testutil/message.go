package testutil

import "testing"

const crlf = "\r\n"

// baseHeaders renders the envelope headers every builder shares.
func baseHeaders(from, to, subject string) string {
	return "From: " + from + crlf +
		"To: " + to + crlf +
		"Subject: " + subject + crlf +
		"Message-Id: <" + subject + ".test@example.com>" + crlf +
		"MIME-Version: 1.0" + crlf
}

// PlainMessage is an unencrypted text/plain message.
func PlainMessage(from, to, subject, body string) []byte {
	return []byte(baseHeaders(from, to, subject) +
		"Content-Type: text/plain; charset=\"utf-8\"" + crlf +
		crlf + body)
}

// HTMLMessage is an unencrypted text/html message.
func HTMLMessage(from, to, subject, html string) []byte {
	return []byte(baseHeaders(from, to, subject) +
		"Content-Type: text/html; charset=\"utf-8\"" + crlf +
		crlf + html)
}

// PGPMIMEEncrypted builds an RFC 3156 multipart/encrypted message
// whose payload is a text/plain document with the given body.
func PGPMIMEEncrypted(t *testing.T, from, to, subject, body string, signer *TestKey, recipients ...*TestKey) []byte {
	t.Helper()

	inner := "Content-Type: text/plain; charset=\"utf-8\"" + crlf + crlf + body
	ciphertext := EncryptAndSign(t, []byte(inner), signer, recipients...)

	return []byte(baseHeaders(from, to, subject) +
		`Content-Type: multipart/encrypted; protocol="application/pgp-encrypted"; boundary="outer"` + crlf +
		crlf +
		"--outer" + crlf +
		"Content-Type: application/pgp-encrypted" + crlf +
		crlf +
		"Version: 1" + crlf +
		"--outer" + crlf +
		"Content-Type: application/octet-stream; name=\"encrypted.asc\"" + crlf +
		crlf +
		string(ciphertext) + crlf +
		"--outer--" + crlf)
}

// PGPMIMESigned builds an RFC 3156 multipart/signed message. The
// detached signature covers the first part byte for byte, exactly as
// it is embedded.
func PGPMIMESigned(t *testing.T, from, to, subject, body string, signer *TestKey) []byte {
	t.Helper()

	content := "Content-Type: text/plain; charset=\"utf-8\"" + crlf + crlf + body
	sig := DetachSign(t, []byte(content), signer)

	return []byte(baseHeaders(from, to, subject) +
		`Content-Type: multipart/signed; protocol="application/pgp-signature"; micalg="pgp-sha256"; boundary="outer"` + crlf +
		crlf +
		"--outer" + crlf +
		content + crlf +
		"--outer" + crlf +
		"Content-Type: application/pgp-signature" + crlf +
		crlf +
		string(sig) + crlf +
		"--outer--" + crlf)
}

// PGPMIMESignedInsideEncrypted builds a multipart/encrypted message
// whose ciphertext holds a complete multipart/signed document, the way
// clients that sign and encrypt in two MIME passes produce it. The
// armored message itself carries no signature.
func PGPMIMESignedInsideEncrypted(t *testing.T, from, to, subject, body string, signer *TestKey, recipients ...*TestKey) []byte {
	t.Helper()

	content := "Content-Type: text/plain; charset=\"utf-8\"" + crlf + crlf + body
	sig := DetachSign(t, []byte(content), signer)

	doc := `Content-Type: multipart/signed; protocol="application/pgp-signature"; micalg="pgp-sha256"; boundary="inner"` + crlf +
		crlf +
		"--inner" + crlf +
		content + crlf +
		"--inner" + crlf +
		"Content-Type: application/pgp-signature" + crlf +
		crlf +
		string(sig) + crlf +
		"--inner--" + crlf

	ciphertext := EncryptAndSign(t, []byte(doc), nil, recipients...)

	return []byte(baseHeaders(from, to, subject) +
		`Content-Type: multipart/encrypted; protocol="application/pgp-encrypted"; boundary="outer"` + crlf +
		crlf +
		"--outer" + crlf +
		"Content-Type: application/pgp-encrypted" + crlf +
		crlf +
		"Version: 1" + crlf +
		"--outer" + crlf +
		"Content-Type: application/octet-stream; name=\"encrypted.asc\"" + crlf +
		crlf +
		string(ciphertext) + crlf +
		"--outer--" + crlf)
}

// InlineEncrypted pastes an armored encrypted message into a plain
// text body, optionally behind a leading banner the way some mail
// plugins mangle it.
func InlineEncrypted(t *testing.T, from, to, subject, body, banner string, signer *TestKey, recipients ...*TestKey) []byte {
	t.Helper()

	armored := EncryptAndSign(t, []byte(body), signer, recipients...)
	return PlainMessage(from, to, subject, banner+string(armored))
}

// InlineClearsigned pastes a clearsigned block into a plain text body.
func InlineClearsigned(t *testing.T, from, to, subject, body string, signer *TestKey) []byte {
	t.Helper()

	return PlainMessage(from, to, subject, string(ClearSign(t, body, signer)))
}

// MixedWithInlineArmor builds a multipart/mixed message whose first
// part is plain chatter and whose second part carries a pasted armored
// block.
func MixedWithInlineArmor(t *testing.T, from, to, subject, intro, body string, signer *TestKey, recipients ...*TestKey) []byte {
	t.Helper()

	armored := EncryptAndSign(t, []byte(body), signer, recipients...)
	return []byte(baseHeaders(from, to, subject) +
		`Content-Type: multipart/mixed; boundary="mixed"` + crlf +
		crlf +
		"--mixed" + crlf +
		"Content-Type: text/plain; charset=\"utf-8\"" + crlf +
		crlf +
		intro + crlf +
		"--mixed" + crlf +
		"Content-Type: text/plain; charset=\"utf-8\"" + crlf +
		crlf +
		string(armored) + crlf +
		"--mixed--" + crlf)
}

// WithKeyAttachment wraps a text body and an armored key attachment in
// a multipart/mixed message.
func WithKeyAttachment(from, to, subject, body, armoredKey string) []byte {
	return []byte(baseHeaders(from, to, subject) +
		`Content-Type: multipart/mixed; boundary="mixed"` + crlf +
		crlf +
		"--mixed" + crlf +
		"Content-Type: text/plain; charset=\"utf-8\"" + crlf +
		crlf +
		body + crlf +
		"--mixed" + crlf +
		"Content-Type: application/pgp-keys; name=\"key.asc\"" + crlf +
		"Content-Disposition: attachment; filename=\"key.asc\"" + crlf +
		crlf +
		armoredKey + crlf +
		"--mixed--" + crlf)
}
