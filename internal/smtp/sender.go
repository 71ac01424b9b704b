// Package smtp submits outgoing replies to the configured relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/model"
)

// Sender submits mail over SMTP. A fresh connection is made per
// message; the daemon sends at most a handful of replies per pass.
type Sender struct {
	cfg model.SMTPConfig
	log hclog.Logger
}

func NewSender(cfg model.SMTPConfig, log hclog.Logger) *Sender {
	return &Sender{cfg: cfg, log: log.Named("smtp")}
}

// Send submits one raw message from the given envelope sender to the
// given recipient.
func (s *Sender) Send(ctx context.Context, from, to string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	var (
		client *gosmtp.Client
		err    error
	)
	if s.cfg.StartTLS {
		client, err = gosmtp.DialStartTLS(addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		client, err = gosmtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating %s: %w", s.cfg.Username, err)
		}
	}

	if err := client.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("submitting message to %s: %w", to, err)
	}

	s.log.Info("submitted reply", "to", to, "bytes", len(raw))
	return client.Quit()
}
