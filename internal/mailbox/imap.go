package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/emailsec/decoybot/internal/model"
)

// IMAPBox polls a remote IMAP folder. Each Lock/Unlock span is one
// authenticated connection with the folder selected, so a crashed
// pass cannot leave the folder half-expunged under a stale session.
type IMAPBox struct {
	cfg    model.IMAPConfig
	client *imapclient.Client
}

var _ Mailbox = (*IMAPBox)(nil)

// NewIMAP prepares a mailbox for the given endpoint. No connection is
// made until Lock.
func NewIMAP(cfg model.IMAPConfig) *IMAPBox {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &IMAPBox{cfg: cfg}
}

func (b *IMAPBox) Lock(ctx context.Context) error {
	if b.client != nil {
		return nil
	}
	addr := net.JoinHostPort(b.cfg.Host, b.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if b.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	if err := client.Login(b.cfg.Username, b.cfg.Password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("authenticating %s: %w", b.cfg.Username, err)
	}
	if _, err := client.Select(b.cfg.Folder, nil).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("selecting %s: %w", b.cfg.Folder, err)
	}

	b.client = client
	return nil
}

func (b *IMAPBox) Unlock() error {
	if b.client == nil {
		return nil
	}
	client := b.client
	b.client = nil
	if err := client.Logout().Wait(); err != nil {
		client.Close()
		return fmt.Errorf("logging out: %w", err)
	}
	return client.Close()
}

func (b *IMAPBox) Keys(ctx context.Context) ([]string, error) {
	if b.client == nil {
		return nil, ErrNotLocked
	}
	data, err := b.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching folder: %w", err)
	}
	uids := data.AllUIDs()
	keys := make([]string, 0, len(uids))
	for _, uid := range uids {
		keys = append(keys, strconv.FormatUint(uint64(uid), 10))
	}
	return keys, nil
}

func (b *IMAPBox) Message(ctx context.Context, key string) ([]byte, error) {
	if b.client == nil {
		return nil, ErrNotLocked
	}
	uid, err := parseUID(key)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{}
	fetch := b.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := fetch.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", key, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s not found", key)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message %s has no body section", key)
	}
	return raw, nil
}

func (b *IMAPBox) Remove(ctx context.Context, key string) error {
	if b.client == nil {
		return ErrNotLocked
	}
	uid, err := parseUID(key)
	if err != nil {
		return err
	}

	store := b.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := store.Close(); err != nil {
		return fmt.Errorf("flagging message %s deleted: %w", key, err)
	}
	if err := b.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging message %s: %w", key, err)
	}
	return nil
}

func parseUID(key string) (imap.UID, error) {
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed message key %q: %w", key, err)
	}
	return imap.UID(n), nil
}
