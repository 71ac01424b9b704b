package message

import (
	"bytes"
	"fmt"
)

// splitHeaderBody splits a raw RFC 822 document at the first blank line.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+1], raw[i+2:]
	}
	return raw, nil
}

// rawMultipartParts splits a multipart body into the exact raw bytes of
// each part, headers included. A detached PGP signature is computed
// over the part exactly as transmitted, so the usual decoding MIME
// walkers cannot be used here: re-encoding would break verification.
func rawMultipartParts(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)

	idx := bytes.Index(body, delim)
	if idx < 0 {
		return nil, fmt.Errorf("multipart boundary %q not found", boundary)
	}

	var parts [][]byte
	rest := body[idx:]
	for {
		after := rest[len(delim):]
		if bytes.HasPrefix(after, []byte("--")) {
			break
		}
		nl := bytes.IndexByte(after, '\n')
		if nl < 0 {
			break
		}
		content := after[nl+1:]

		next := bytes.Index(content, append([]byte("\n"), delim...))
		if next < 0 {
			return nil, fmt.Errorf("unterminated multipart part")
		}
		part := content[:next]
		// The CRLF before a boundary belongs to the boundary, not
		// to the part.
		part = bytes.TrimSuffix(part, []byte("\r"))
		parts = append(parts, part)

		rest = content[next+1:]
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("multipart body has no parts")
	}
	return parts, nil
}
