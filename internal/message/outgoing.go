package message

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/emailsec/decoybot/internal/pgp"
)

// BuildReply renders a PGP/MIME encrypted and signed reply to the
// given message, addressed to its sender and encrypted with the given
// keyring. The returned bytes are a complete mail document ready for
// submission.
func BuildReply(ring *pgp.Keyring, in *IncomingMessage, body string) ([]byte, error) {
	var innerHdr gomessage.Header
	innerHdr.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	inner, err := gomessage.New(innerHdr, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building reply body: %w", err)
	}
	var innerBuf bytes.Buffer
	if err := inner.WriteTo(&innerBuf); err != nil {
		return nil, fmt.Errorf("serializing reply body: %w", err)
	}

	ciphertext, err := ring.EncryptAndSign(innerBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encrypting reply: %w", err)
	}

	var ctrlHdr gomessage.Header
	ctrlHdr.SetContentType("application/pgp-encrypted", nil)
	ctrl, err := gomessage.New(ctrlHdr, strings.NewReader("Version: 1\r\n"))
	if err != nil {
		return nil, fmt.Errorf("building control part: %w", err)
	}

	var encHdr gomessage.Header
	encHdr.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	encHdr.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	enc, err := gomessage.New(encHdr, bytes.NewReader(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("building encrypted part: %w", err)
	}

	var hdr gomail.Header
	hdr.SetDate(time.Now())
	hdr.Set("From", ring.Identity().UID())
	hdr.Set("To", in.From)
	hdr.SetSubject(replySubject(in.Subject))
	hdr.SetMessageID(uuid.NewString() + "@" + addressDomain(ring.Identity().Email()))
	if in.ID != "" {
		hdr.Set("In-Reply-To", in.ID)
	}
	hdr.Set("Mime-Version", "1.0")
	hdr.SetContentType("multipart/encrypted", map[string]string{
		"protocol": "application/pgp-encrypted",
	})

	outer, err := gomessage.NewMultipart(hdr.Header, []*gomessage.Entity{ctrl, enc})
	if err != nil {
		return nil, fmt.Errorf("building reply envelope: %w", err)
	}

	var buf bytes.Buffer
	if err := outer.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing reply: %w", err)
	}
	return buf.Bytes(), nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func addressDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return "localhost"
}
