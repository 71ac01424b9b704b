package pgp

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"
)

// KeyInfo describes one entity found in an uploaded key block.
type KeyInfo struct {
	Fingerprint string
	UIDs        []string
	Emails      []string
}

// ScanKeys parses an armored key block without importing it anywhere
// and reports the identities it carries. Addresses are lowercased.
func ScanKeys(armoredKey string) ([]KeyInfo, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader([]byte(armoredKey)))
	if err != nil {
		return nil, fmt.Errorf("scanning key block: %w", err)
	}

	infos := make([]KeyInfo, 0, len(entities))
	for _, e := range entities {
		info := KeyInfo{
			Fingerprint: fmt.Sprintf("%X", e.PrimaryKey.Fingerprint),
		}
		for _, ident := range e.Identities {
			info.UIDs = append(info.UIDs, ident.Name)
			if addr := strings.ToLower(ident.UserId.Email); addr != "" {
				info.Emails = append(info.Emails, addr)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// KeyEmails flattens the addresses of all entities in an uploaded key
// block. Returns ErrNoCorrespondentKey when the block carries no
// usable address at all.
func KeyEmails(armoredKey string) ([]string, error) {
	infos, err := ScanKeys(armoredKey)
	if err != nil {
		return nil, err
	}

	var emails []string
	seen := make(map[string]struct{})
	for _, info := range infos {
		for _, addr := range info.Emails {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			emails = append(emails, addr)
		}
	}
	if len(emails) == 0 {
		return nil, ErrNoCorrespondentKey
	}
	return emails, nil
}
