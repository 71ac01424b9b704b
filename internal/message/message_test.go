package message_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/message"
	"github.com/emailsec/decoybot/internal/pgp"
	"github.com/emailsec/decoybot/tests/testutil"
)

const (
	botAddr   = "bot@example.org"
	aliceAddr = "alice@example.com"
)

func open(t *testing.T, raw []byte, corrKey string) *message.IncomingMessage {
	t.Helper()
	official, impostor, _ := testutil.Keys(t)
	s, err := pgp.NewSession(official.Identity, impostor.Identity, corrKey)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	m, err := message.NewIncoming(raw, s, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewIncoming: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})
	return m
}

func TestFramingDetection(t *testing.T) {
	official, _, corr := testutil.Keys(t)

	cases := []struct {
		name string
		raw  []byte
		want message.Framing
	}{
		{
			"rfc3156 encrypted",
			testutil.PGPMIMEEncrypted(t, aliceAddr, botAddr, "s", "hi", corr, official),
			message.FramingPGPMime,
		},
		{
			"rfc3156 signed",
			testutil.PGPMIMESigned(t, aliceAddr, botAddr, "s", "hi", corr),
			message.FramingPGPMime,
		},
		{
			"plain text",
			testutil.PlainMessage(aliceAddr, botAddr, "s", "hi"),
			message.FramingInline,
		},
		{
			"armor pasted in body",
			testutil.InlineEncrypted(t, aliceAddr, botAddr, "s", "hi", "", corr, official),
			message.FramingInline,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := open(t, tc.raw, corr.PublicArmor)
			if m.Framing != tc.want {
				t.Errorf("Framing = %v, want %v", m.Framing, tc.want)
			}
		})
	}
}

func TestSender(t *testing.T) {
	raw := testutil.PlainMessage("Alice@Example.COM", botAddr, "s", "hi")
	from, err := message.Sender(raw)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != aliceAddr {
		t.Errorf("Sender = %q, want lowercased %q", from, aliceAddr)
	}

	_, err = message.Sender([]byte("Subject: nothing\r\n\r\nbody"))
	if !errors.Is(err, message.ErrMissingSender) {
		t.Errorf("err = %v, want ErrMissingSender", err)
	}
}

func TestRecipients(t *testing.T) {
	raw := []byte("From: " + aliceAddr + "\r\n" +
		"To: Bot@Example.ORG\r\n" +
		"Cc: carol@example.com\r\n" +
		"Subject: s\r\n\r\nhi")
	m := open(t, raw, "")

	got := m.Recipients()
	for _, want := range []string{botAddr, "carol@example.com"} {
		if _, ok := got[want]; !ok {
			t.Errorf("Recipients missing %q: %v", want, got)
		}
	}
}

func TestPGPMimeEncryptedAndSigned(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	raw := testutil.PGPMIMEEncrypted(t, aliceAddr, botAddr, "req", "please HANDOVER now", corr, official)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if !p.Encrypted || !p.SignedAndVerified || p.ForImpostor {
		t.Errorf("flags = enc=%v signed=%v impostor=%v", p.Encrypted, p.SignedAndVerified, p.ForImpostor)
	}
	if !strings.Contains(p.PlainText(), "HANDOVER") {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestPGPMimeEncryptedForDecoyKey(t *testing.T) {
	_, impostor, corr := testutil.Keys(t)
	raw := testutil.PGPMIMEEncrypted(t, aliceAddr, botAddr, "req", "hi", corr, impostor)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if !parts[0].ForImpostor {
		t.Error("ForImpostor = false for a message encrypted to the decoy key")
	}
	if !parts[0].Encrypted {
		t.Error("Encrypted = false")
	}
}

func TestPGPMimeUndecryptableHasNoParts(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	// Encrypted to the correspondent only; neither bot key can open it.
	raw := testutil.PGPMIMEEncrypted(t, aliceAddr, botAddr, "req", "hi", corr, corr)
	m := open(t, raw, corr.PublicArmor)

	if parts := m.Parts(); len(parts) != 0 {
		t.Fatalf("got %d parts, want none", len(parts))
	}
}

func TestInlineArmorInsideHTML(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	armored := testutil.EncryptAndSign(t, []byte("please HANDOVER via html"), corr, official)
	html := "<p>hello,</p><div>" +
		strings.ReplaceAll(string(armored), "\n", "<br>") + "</div>"
	m := open(t, testutil.HTMLMessage(aliceAddr, botAddr, "req", html), corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if !p.Encrypted || !p.SignedAndVerified {
		t.Errorf("flags = enc=%v signed=%v", p.Encrypted, p.SignedAndVerified)
	}
	if !strings.Contains(p.PlainText(), "HANDOVER") {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestPGPMimeSignedInsideEncrypted(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	raw := testutil.PGPMIMESignedInsideEncrypted(t, aliceAddr, botAddr, "req", "layered HANDOVER", corr, official)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if !p.Encrypted {
		t.Error("Encrypted = false")
	}
	if !p.SignedAndVerified {
		t.Error("SignedAndVerified = false for a signed document inside the ciphertext")
	}
	if !strings.Contains(p.PlainText(), "HANDOVER") {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestPGPMimeDetachedSignature(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	raw := testutil.PGPMIMESigned(t, aliceAddr, botAddr, "req", "signed content", corr)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if p.Encrypted {
		t.Error("Encrypted = true for a signed-only message")
	}
	if !p.SignedAndVerified {
		t.Error("SignedAndVerified = false for a valid detached signature")
	}
	if !strings.Contains(p.PlainText(), "signed content") {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestPGPMimeDetachedSignatureUnknownSigner(t *testing.T) {
	stranger := testutil.NewTestKey(t, "Stranger", "stranger@example.net")
	raw := testutil.PGPMIMESigned(t, aliceAddr, botAddr, "req", "signed content", stranger)
	m := open(t, raw, "")

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if parts[0].SignedAndVerified {
		t.Error("SignedAndVerified = true for an unknown signer")
	}
}

func TestInlineEncrypted(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	raw := testutil.InlineEncrypted(t, aliceAddr, botAddr, "req", "inline secret", "", corr, official)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if !p.Encrypted || !p.SignedAndVerified {
		t.Errorf("flags = enc=%v signed=%v", p.Encrypted, p.SignedAndVerified)
	}
	if p.PlainText() != "inline secret" {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestInlineEncryptedBehindBanner(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	banner := "Your mail client could not display this message.\r\n\r\n"
	raw := testutil.InlineEncrypted(t, aliceAddr, botAddr, "req", "inline secret", banner, corr, official)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if !parts[0].Encrypted {
		t.Error("Encrypted = false, banner was not cut away from the armor")
	}
	if parts[0].PlainText() != "inline secret" {
		t.Errorf("PlainText = %q", parts[0].PlainText())
	}
}

func TestInlineSignedOnlyUnderMessageHeader(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	armored := testutil.SignOnly(t, []byte("just signed"), corr)
	raw := testutil.PlainMessage(aliceAddr, botAddr, "req", string(armored))
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if p.Encrypted {
		t.Error("Encrypted = true, the armor only carries a signature")
	}
	if !p.SignedAndVerified {
		t.Error("SignedAndVerified = false")
	}
	if p.PlainText() != "just signed" {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestInlineSignThenEncryptTwoStep(t *testing.T) {
	official, _, corr := testutil.Keys(t)
	// Clearsigned first, then encrypted as a separate unsigned step.
	clearsigned := testutil.ClearSign(t, "layered words", corr)
	armored := testutil.EncryptAndSign(t, clearsigned, nil, official)
	raw := testutil.PlainMessage(aliceAddr, botAddr, "req", string(armored))
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	p := parts[0]
	if !p.Encrypted {
		t.Error("Encrypted = false")
	}
	if !p.SignedAndVerified {
		t.Error("SignedAndVerified = false, inner signature layer not unwrapped")
	}
	if !strings.Contains(p.PlainText(), "layered words") {
		t.Errorf("PlainText = %q", p.PlainText())
	}
}

func TestInlineClearsigned(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	raw := testutil.InlineClearsigned(t, aliceAddr, botAddr, "req", "clear text", corr)
	m := open(t, raw, corr.PublicArmor)

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if !parts[0].SignedAndVerified {
		t.Error("SignedAndVerified = false")
	}
	if !strings.Contains(parts[0].PlainText(), "clear text") {
		t.Errorf("PlainText = %q", parts[0].PlainText())
	}
}

func TestInlineUndecryptableLeafDropped(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	raw := testutil.InlineEncrypted(t, aliceAddr, botAddr, "req", "hi", "", corr, corr)
	m := open(t, raw, corr.PublicArmor)

	if parts := m.Parts(); len(parts) != 0 {
		t.Fatalf("got %d parts, want the unreadable leaf dropped", len(parts))
	}
}

func TestPlainTextWithoutCharset(t *testing.T) {
	raw := []byte("From: " + aliceAddr + "\r\nTo: " + botAddr + "\r\n" +
		"Subject: s\r\nContent-Type: text/plain\r\n\r\nno charset here")
	m := open(t, raw, "")

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if parts[0].PlainText() != "no charset here" {
		t.Errorf("PlainText = %q", parts[0].PlainText())
	}
}

func TestHTMLPartIsStripped(t *testing.T) {
	raw := testutil.HTMLMessage(aliceAddr, botAddr, "s",
		"<html><body><p>hello <b>there</b></p><br><pre>  kept  </pre></body></html>")
	m := open(t, raw, "")

	parts := m.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	text := parts[0].PlainText()
	if strings.Contains(text, "<") {
		t.Errorf("PlainText still carries markup: %q", text)
	}
	if !strings.Contains(text, "hello") || !strings.Contains(text, "there") {
		t.Errorf("PlainText lost content: %q", text)
	}
}

func TestKeyScraping(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	raw := testutil.WithKeyAttachment(aliceAddr, botAddr, "my key", "key attached", corr.PublicArmor)
	m := open(t, raw, "")

	blocks := m.PGPKeyBlocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d key blocks, want 1", len(blocks))
	}
	emails, err := pgp.KeyEmails(blocks[0])
	if err != nil {
		t.Fatalf("KeyEmails on scraped block: %v", err)
	}
	if len(emails) != 1 || emails[0] != aliceAddr {
		t.Errorf("KeyEmails = %v", emails)
	}

	// The plain view skips the attachment.
	if parts := m.Parts(); len(parts) != 1 {
		t.Errorf("Parts = %d, want the text leaf only", len(parts))
	}
}

func TestBuildReplyRoundTrip(t *testing.T) {
	official, impostor, corr := testutil.Keys(t)

	s, err := pgp.NewSession(official.Identity, impostor.Identity, corr.PublicArmor)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	in, err := message.NewIncoming(
		testutil.PlainMessage(aliceAddr, botAddr, "request", "hi"), s, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewIncoming: %v", err)
	}
	defer in.Close()

	reply, err := message.BuildReply(s.Official, in, "nothing to see here")
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}

	// Read the reply back from the correspondent's side.
	corrSession, err := pgp.NewSession(corr.Identity, corr.Identity, official.PublicArmor)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer corrSession.Close()

	got, err := message.NewIncoming(reply, corrSession, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("parsing reply: %v", err)
	}
	defer got.Close()

	if got.Framing != message.FramingPGPMime {
		t.Errorf("reply framing = %v, want pgp-mime", got.Framing)
	}
	if got.Subject != "Re: request" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.From != "bot@example.org" {
		t.Errorf("From = %q", got.From)
	}

	parts := got.Parts()
	if len(parts) != 1 {
		t.Fatalf("reply has %d parts, want 1", len(parts))
	}
	if !parts[0].Encrypted || !parts[0].SignedAndVerified {
		t.Errorf("flags = enc=%v signed=%v", parts[0].Encrypted, parts[0].SignedAndVerified)
	}
	if !strings.Contains(parts[0].PlainText(), "nothing to see here") {
		t.Errorf("PlainText = %q", parts[0].PlainText())
	}
}
