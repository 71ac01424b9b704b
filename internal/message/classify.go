package message

import (
	"bytes"

	gomessage "github.com/emersion/go-message"
	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/pgp"
)

const (
	messagePrefix   = "-----BEGIN PGP MESSAGE-----"
	clearsignPrefix = "-----BEGIN PGP SIGNED MESSAGE-----"
)

// mimeState is the outcome of processing a PGP/MIME envelope. It is
// computed once per message; the leaf walk that follows is cheap and
// repeated for the with- and without-attachments views.
type mimeState struct {
	// payload is the inner MIME document: the decrypted ciphertext of
	// a multipart/encrypted message, or the raw first part of a
	// multipart/signed one.
	payload []byte

	encrypted   bool
	verified    bool
	forImpostor bool

	// empty marks an envelope neither keyring could open. The message
	// then presents as having no parts at all.
	empty bool
}

func (m *IncomingMessage) classifyPGPMime(includeAttachments bool) []*Part {
	if m.mime == nil {
		m.mime = m.openEnvelope()
	}
	if m.mime.empty {
		return []*Part{}
	}

	var parts []*Part
	for _, l := range collectLeaves(m.mime.payload, includeAttachments, m.log) {
		parts = append(parts, &Part{
			Encrypted:         m.mime.encrypted,
			SignedAndVerified: m.mime.verified,
			ForImpostor:       m.mime.forImpostor,
			header:            l.header,
			body:              l.body,
			badCharset:        l.badCharset,
			log:               m.log,
		})
	}
	return parts
}

// openEnvelope unwraps the multipart/encrypted or multipart/signed
// structure. The raw part bytes are split by hand because detached
// signature verification has to see the first part exactly as it was
// transmitted; a decode and re-encode round trip would break it.
func (m *IncomingMessage) openEnvelope() *mimeState {
	entity, err := gomessage.Read(bytes.NewReader(m.raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		m.log.Warn("unreadable pgp/mime envelope", "error", err)
		return &mimeState{empty: true}
	}

	if isPGPMimeEncrypted(entity.Header) {
		_, params, err := entity.Header.ContentType()
		if err != nil || params["boundary"] == "" {
			m.log.Warn("pgp/mime envelope without boundary")
			return &mimeState{empty: true}
		}
		_, body := splitHeaderBody(m.raw)
		rawParts, err := rawMultipartParts(body, params["boundary"])
		if err != nil || len(rawParts) < 2 {
			m.log.Warn("malformed pgp/mime envelope", "error", err, "parts", len(rawParts))
			return &mimeState{empty: true}
		}
		_, ciphertext := splitHeaderBody(rawParts[1])
		st := m.decryptEnvelope(ciphertext)
		if st.empty {
			return st
		}
		// Sign-then-encrypt at the MIME level: the ciphertext may
		// hold a complete multipart/signed document of its own. Its
		// detached signature replaces whatever the decrypt reported.
		if content, sig, ok := m.splitSignedDocument(st.payload); ok {
			st.verified = m.verifyDetached(content, sig)
			st.payload = content
		}
		return st
	}

	content, sig, ok := m.splitSignedDocument(m.raw)
	if !ok {
		return &mimeState{empty: true}
	}
	return &mimeState{payload: content, verified: m.verifyDetached(content, sig)}
}

// splitSignedDocument splits a multipart/signed document into the raw
// signed content and the detached signature. ok is false when the
// document does not frame as multipart/signed or is malformed.
func (m *IncomingMessage) splitSignedDocument(doc []byte) (content, signature []byte, ok bool) {
	entity, err := gomessage.Read(bytes.NewReader(doc))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, nil, false
	}
	if !isPGPMimeSigned(entity.Header) {
		return nil, nil, false
	}
	_, params, err := entity.Header.ContentType()
	if err != nil || params["boundary"] == "" {
		return nil, nil, false
	}
	_, body := splitHeaderBody(doc)
	rawParts, err := rawMultipartParts(body, params["boundary"])
	if err != nil || len(rawParts) < 2 {
		m.log.Warn("malformed signed document", "error", err, "parts", len(rawParts))
		return nil, nil, false
	}
	_, sig := splitHeaderBody(rawParts[1])
	return rawParts[0], bytes.TrimSpace(sig), true
}

func (m *IncomingMessage) verifyDetached(content, signature []byte) bool {
	verified := m.session.Official.VerifyDetached(content, signature)
	if !verified {
		m.log.Warn("detached signature did not verify")
	}
	return verified
}

func (m *IncomingMessage) decryptEnvelope(ciphertext []byte) *mimeState {
	res := m.session.Official.Decrypt(ciphertext)
	if res.OK() && res.Decrypted {
		return &mimeState{
			payload:   res.Plaintext,
			encrypted: true,
			verified:  res.SignatureValid,
		}
	}
	m.log.Debug("official keyring could not open envelope", "error", res.Err)

	res = m.session.Impostor.Decrypt(ciphertext)
	if res.OK() && res.Decrypted {
		return &mimeState{
			payload:     res.Plaintext,
			encrypted:   true,
			verified:    res.SignatureValid,
			forImpostor: true,
		}
	}

	m.log.Warn("no keyring could decrypt envelope", "error", res.Err)
	return &mimeState{empty: true}
}

var armorPairs = [][2]string{
	{messagePrefix, "-----END PGP MESSAGE-----"},
	{clearsignPrefix, "-----END PGP SIGNATURE-----"},
}

// repairArmor cuts an armored block out of surrounding text. Some
// Outlook plugins prepend a text banner to the armor, which makes the
// block invisible to a prefix check. The discarded surrounding text is
// logged, not silently dropped.
func repairArmor(body []byte, log hclog.Logger) []byte {
	for _, pair := range armorPairs {
		begin := bytes.Index(body, []byte(pair[0]))
		if begin <= 0 {
			continue
		}
		end := bytes.Index(body, []byte(pair[1]))
		if end < begin {
			continue
		}
		log.Warn("discarding clear text around an armored block",
			"leading_bytes", begin)
		return body[begin : end+len(pair[1])]
	}
	return body
}

func (m *IncomingMessage) classifyInline(includeAttachments bool) []*Part {
	var parts []*Part
	for _, l := range collectLeaves(m.raw, includeAttachments, m.log) {
		p := &Part{
			header:     l.header,
			body:       l.body,
			badCharset: l.badCharset,
			log:        m.log,
		}
		if m.classifyInlineLeaf(p) {
			parts = append(parts, p)
		}
	}
	return parts
}

// classifyInlineLeaf inspects one leaf for pasted armor and updates
// the part's flags and text in place. It reports whether the leaf
// should be kept; an armored block that no keyring can open is
// dropped rather than shown as garbage.
func (m *IncomingMessage) classifyInlineLeaf(p *Part) bool {
	body := p.body
	if contentType, _, err := p.header.ContentType(); err == nil && contentType == "text/html" {
		// Armor pasted into an HTML body is wrapped in markup; the
		// tag-stripped text is what the sender actually pasted.
		body = []byte(htmlToText(body))
	}
	armored := repairArmor(body, m.log)

	switch {
	case bytes.Contains(armored, []byte(messagePrefix)):
		return m.classifyArmoredMessage(p, armored)
	case bytes.Contains(armored, []byte(clearsignPrefix)):
		res := m.session.Official.Decrypt(armored)
		if res.OK() {
			p.SignedAndVerified = res.SignatureValid
			p.setPlainText(string(res.Plaintext))
		} else {
			m.log.Warn("unreadable clearsigned block", "error", res.Err)
		}
		return true
	default:
		return true
	}
}

func (m *IncomingMessage) classifyArmoredMessage(p *Part, armored []byte) bool {
	res := m.session.Official.Decrypt(armored)
	if res.OK() && res.Decrypted {
		m.finishDecrypted(p, m.session.Official, res)
		return true
	}

	// Old GpgOL versions emitted signed-only messages under a
	// "PGP MESSAGE" header. A failed decrypt that still surfaces a
	// signer key id is such a message, not an encryption failure.
	if res.OK() && !res.Decrypted && res.SignerKeyID != 0 {
		m.log.Debug("armored message carries only a signature",
			"signer_key_id", res.SignerKeyID)
		p.SignedAndVerified = res.SignatureValid
		p.setPlainText(string(res.Plaintext))
		return true
	}

	m.log.Debug("official keyring could not open inline block", "error", res.Err)

	res = m.session.Impostor.Decrypt(armored)
	if res.OK() && res.Decrypted {
		p.ForImpostor = true
		m.finishDecrypted(p, m.session.Impostor, res)
		return true
	}

	m.log.Warn("no keyring could open inline block", "error", res.Err)
	return false
}

// finishDecrypted applies a successful inline decrypt to the part.
// When the message was signed and encrypted in two separate steps the
// plaintext carries its own armored layer, which is unwrapped here.
func (m *IncomingMessage) finishDecrypted(p *Part, ring *pgp.Keyring, res pgp.Result) {
	p.Encrypted = true
	p.SignedAndVerified = res.SignatureValid
	plain := res.Plaintext

	if !res.SignatureValid {
		inner := repairArmor(plain, m.log)
		if bytes.Contains(inner, []byte(clearsignPrefix)) || bytes.Contains(inner, []byte(messagePrefix)) {
			m.log.Debug("encrypted payload carries a separate signature layer")
			if ir := ring.Decrypt(inner); ir.OK() && !ir.Decrypted {
				p.SignedAndVerified = ir.SignatureValid
				plain = ir.Plaintext
			}
		}
	}
	p.setPlainText(string(plain))
}
