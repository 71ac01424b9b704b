package message

import (
	"bytes"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/hashicorp/go-hclog"
)

// Part is one non-multipart, non-attachment leaf of a classified
// message. The three flags are set by the framing-specific
// classification; plain text extraction is lazy and cached.
type Part struct {
	// Encrypted reports whether the content arrived encrypted.
	Encrypted bool

	// SignedAndVerified reports whether the content carried a
	// signature that checked out against the official keyring (or,
	// for encrypted content, the keyring that decrypted it).
	SignedAndVerified bool

	// ForImpostor reports which keyring decrypted the content. Only
	// meaningful when Encrypted is true.
	ForImpostor bool

	header     gomessage.Header
	body       []byte
	badCharset bool
	plainText  *string
	log        hclog.Logger
}

// PlainText extracts the part's visible text. Extraction runs once;
// repeated calls return the cached result.
func (p *Part) PlainText() string {
	if p.plainText != nil {
		return *p.plainText
	}
	text := p.extract()
	p.plainText = &text
	return text
}

// setPlainText replaces the cached text, used after decryption.
func (p *Part) setPlainText(text string) {
	p.plainText = &text
}

// extract converts the decoded body into plain text per the part's
// declared content type.
func (p *Part) extract() string {
	contentType, params, err := p.header.ContentType()
	if err != nil {
		contentType = "text/plain"
		params = nil
	}

	mainType := contentType
	if i := strings.IndexByte(contentType, '/'); i >= 0 {
		mainType = contentType[:i]
	}
	// application/pgp-keys is text in all but name; the key scraper
	// has to see it.
	if mainType != "text" && contentType != "application/pgp-keys" {
		return ""
	}

	if contentType == "text/html" {
		return htmlToText(p.body)
	}

	// Known charsets were already converted to UTF-8 while walking
	// the tree (message.CharsetReader). What is left is the absent
	// and the unrecognized label cases, both resolved as UTF-8.
	switch {
	case p.badCharset:
		p.log.Warn("unknown charset in message part, falling back to UTF-8",
			"charset", params["charset"])
	case params["charset"] == "" && contentType != "application/pgp-keys":
		p.log.Warn("no charset specified for message part, assuming UTF-8")
	}
	return strings.ToValidUTF8(string(p.body), "")
}

// leaf is one raw leaf captured while walking a MIME tree. Bodies are
// read eagerly because go-message streams parts sequentially.
type leaf struct {
	header     gomessage.Header
	body       []byte
	badCharset bool
}

// collectLeaves parses raw as a MIME document and returns its leaves
// lowest-first in document order. Multipart containers are never
// leaves. Attachment leaves are skipped unless includeAttachments is
// set (the PGP key scraper needs to scan attachments too).
func collectLeaves(raw []byte, includeAttachments bool, log hclog.Logger) []leaf {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		log.Warn("unparseable MIME document", "error", err)
		return nil
	}
	var leaves []leaf
	collectEntityLeaves(entity, includeAttachments, gomessage.IsUnknownCharset(err), &leaves, log)
	return leaves
}

func collectEntityLeaves(e *gomessage.Entity, includeAttachments, badCharset bool, out *[]leaf, log hclog.Logger) {
	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			bad := false
			if err != nil {
				if !gomessage.IsUnknownCharset(err) || p == nil {
					log.Warn("malformed message part", "error", err)
					break
				}
				bad = true
			}
			collectEntityLeaves(p, includeAttachments, bad, out, log)
		}
		return
	}

	if !includeAttachments {
		if disp, _, err := e.Header.ContentDisposition(); err == nil && disp == "attachment" {
			return
		}
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		log.Warn("unreadable message part body", "error", err)
	}
	*out = append(*out, leaf{header: e.Header, body: body, badCharset: badCharset})
}
