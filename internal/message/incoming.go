package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/hashicorp/go-hclog"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/emailsec/decoybot/internal/pgp"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ErrMissingSender is returned when an incoming message has no
// parseable From address. This is the one per-message condition that
// is a hard error rather than degraded classification.
var ErrMissingSender = errors.New("missing sender address")

// Framing is the PGP convention a message uses.
type Framing int

const (
	// FramingPGPMime marks RFC 3156 structured messages:
	// multipart/encrypted or multipart/signed with a PGP protocol.
	FramingPGPMime Framing = iota

	// FramingInline marks everything else; armored blocks, if any,
	// are pasted into the body text.
	FramingInline
)

func (f Framing) String() string {
	if f == FramingPGPMime {
		return "pgp-mime"
	}
	return "inline"
}

// IncomingMessage wraps one raw mail document together with the
// per-message cryptographic session. The session is owned by the
// caller; Close here only drops classification caches.
type IncomingMessage struct {
	ID      string
	From    string
	Subject string
	Framing Framing

	raw     []byte
	session *pgp.Session
	log     hclog.Logger

	mime     *mimeState
	parts    []*Part
	partsAll []*Part
}

// NewIncoming parses the raw document, resolves the sender, and
// detects the framing. It does not decrypt anything yet.
func NewIncoming(raw []byte, session *pgp.Session, log hclog.Logger) (*IncomingMessage, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	hdr := gomail.Header{Header: entity.Header}
	id := strings.TrimSpace(entity.Header.Get("Message-Id"))

	from := senderAddress(hdr)
	if from == "" {
		return nil, fmt.Errorf("message %s: %w", id, ErrMissingSender)
	}

	subject, err := hdr.Subject()
	if err != nil {
		subject = entity.Header.Get("Subject")
	}

	m := &IncomingMessage{
		ID:      id,
		From:    from,
		Subject: subject,
		Framing: detectFraming(entity.Header),
		raw:     raw,
		session: session,
		log:     log.With("from", from, "msg_id", id),
	}
	m.log.Debug("parsed incoming message", "framing", m.Framing.String())
	return m, nil
}

// Close drops the classification caches. The pgp session is closed by
// its owner.
func (m *IncomingMessage) Close() {
	m.mime = nil
	m.parts = nil
	m.partsAll = nil
	m.log.Debug("closed incoming message")
}

// Parts classifies the message and returns its leaves, attachments
// skipped. The result is computed once and cached.
func (m *IncomingMessage) Parts() []*Part {
	if m.parts == nil {
		m.parts = m.classify(false)
	}
	return m.parts
}

// PartsWithAttachments is Parts with attachment leaves included; the
// key scraper uses it because public keys commonly travel as
// attachments.
func (m *IncomingMessage) PartsWithAttachments() []*Part {
	if m.partsAll == nil {
		m.partsAll = m.classify(true)
	}
	return m.partsAll
}

func (m *IncomingMessage) classify(includeAttachments bool) []*Part {
	if m.Framing == FramingPGPMime {
		return m.classifyPGPMime(includeAttachments)
	}
	return m.classifyInline(includeAttachments)
}

// Recipients returns the lowercased set of To/Cc/Bcc addresses.
func (m *IncomingMessage) Recipients() map[string]struct{} {
	entity, err := gomessage.Read(bytes.NewReader(m.raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil
	}
	hdr := gomail.Header{Header: entity.Header}

	recipients := make(map[string]struct{})
	for _, field := range []string{"To", "Cc", "Bcc"} {
		list, err := hdr.AddressList(field)
		if err != nil {
			continue
		}
		for _, addr := range list {
			recipients[strings.ToLower(addr.Address)] = struct{}{}
		}
	}
	return recipients
}

// Sender extracts the lowercased From address of a raw message. The
// poller needs it before any cryptographic session exists, to decide
// which correspondent key to load.
func Sender(raw []byte) (string, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return "", fmt.Errorf("parsing message: %w", err)
	}
	from := senderAddress(gomail.Header{Header: entity.Header})
	if from == "" {
		return "", ErrMissingSender
	}
	return from, nil
}

func senderAddress(hdr gomail.Header) string {
	list, err := hdr.AddressList("From")
	if err != nil || len(list) == 0 || list[0].Address == "" {
		return ""
	}
	return strings.ToLower(list[0].Address)
}

func detectFraming(hdr gomessage.Header) Framing {
	if isPGPMimeEncrypted(hdr) || isPGPMimeSigned(hdr) {
		return FramingPGPMime
	}
	return FramingInline
}

func isPGPMimeEncrypted(hdr gomessage.Header) bool {
	contentType, params, err := hdr.ContentType()
	return err == nil &&
		contentType == "multipart/encrypted" &&
		params["protocol"] == "application/pgp-encrypted"
}

func isPGPMimeSigned(hdr gomessage.Header) bool {
	contentType, params, err := hdr.ContentType()
	return err == nil &&
		contentType == "multipart/signed" &&
		params["protocol"] == "application/pgp-signature"
}
