package imap

import (
	"bytes"
	"context"
	"crypto/tls"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
)

// SendMessage implements provider.Client over SMTP submission. Port 465
// uses implicit TLS; everything else negotiates STARTTLS. SMTP reports no
// message id, so the return is empty and the next sync picks the copy up
// from the Sent folder.
func (c *Client) SendMessage(ctx context.Context, msg *mime.Outgoing) (string, error) {
	raw, err := mime.Compose(msg)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	auth := sasl.NewPlainClient("", c.config.Email, c.config.Password)
	recipients := msg.Recipients()
	addr := c.config.smtpAddr()

	if c.config.SMTPPort == 465 {
		if err := c.sendTLS(addr, auth, msg.From.Address, recipients, raw); err != nil {
			return "", err
		}
		return "", nil
	}

	if err := smtp.SendMail(addr, auth, msg.From.Address, recipients, bytes.NewReader(raw)); err != nil {
		return "", translateSMTPError(err)
	}
	return "", nil
}

// sendTLS submits over an implicit-TLS connection (SMTPS, port 465).
func (c *Client) sendTLS(addr string, auth sasl.Client, from string, to []string, raw []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: c.config.SMTPHost})
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, err, "dial SMTPS %s", addr)
	}
	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return mailerr.Wrap(mailerr.KindAuthFailed, err, "SMTP auth for %s", c.config.Email)
	}
	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return translateSMTPError(err)
	}
	return client.Quit()
}

// translateSMTPError maps SMTP status classes onto the error taxonomy.
func translateSMTPError(err error) error {
	if err == nil {
		return nil
	}
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		switch {
		case smtpErr.Code == 535 || smtpErr.Code == 530:
			return mailerr.Wrap(mailerr.KindAuthFailed, err, "SMTP authentication rejected")
		case smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 451 || smtpErr.Code == 452:
			return mailerr.Wrap(mailerr.KindTransient, err, "SMTP temporary failure")
		case smtpErr.Code >= 500:
			return mailerr.Wrap(mailerr.KindPermanent, err, "SMTP rejected message")
		}
	}
	return mailerr.Wrap(mailerr.KindTransient, err, "SMTP send")
}
