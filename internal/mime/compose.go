package mime

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// Outgoing describes one message to send.
type Outgoing struct {
	From        store.Addr
	To          []store.Addr
	Cc          []store.Addr
	Bcc         []store.Addr
	Subject     string
	BodyText    string
	BodyHTML    string
	InReplyTo   string
	References  []string
	Attachments []Part
}

// Validate checks the minimum a message needs before composition.
func (o *Outgoing) Validate() error {
	if o.From.Address == "" {
		return mailerr.Validation("outgoing message needs a from address")
	}
	if len(o.To) == 0 {
		return mailerr.Validation("outgoing message needs at least one recipient")
	}
	if o.Subject == "" && o.BodyText == "" && o.BodyHTML == "" {
		return mailerr.Validation("outgoing message is empty")
	}
	return nil
}

// Recipients returns all envelope recipients (To, Cc, Bcc) as bare addresses.
func (o *Outgoing) Recipients() []string {
	var out []string
	for _, list := range [][]store.Addr{o.To, o.Cc, o.Bcc} {
		for _, a := range list {
			if a.Address != "" {
				out = append(out, a.Address)
			}
		}
	}
	return out
}

func mailAddrs(addrs []store.Addr) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// Compose renders an Outgoing into wire-format MIME. Bcc recipients are
// carried on the envelope only, never in the headers.
func Compose(o *Outgoing) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(o.Subject)
	h.SetAddressList("From", mailAddrs([]store.Addr{o.From}))
	h.SetAddressList("To", mailAddrs(o.To))
	if len(o.Cc) > 0 {
		h.SetAddressList("Cc", mailAddrs(o.Cc))
	}
	if o.InReplyTo != "" {
		h.Set("In-Reply-To", "<"+o.InReplyTo+">")
	}
	if len(o.References) > 0 {
		refs := ""
		for i, r := range o.References {
			if i > 0 {
				refs += " "
			}
			refs += "<" + r + ">"
		}
		h.Set("References", refs)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	if err := writeBody(w, o); err != nil {
		return nil, err
	}
	for _, att := range o.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		if att.MimeType != "" {
			ah.SetContentType(att.MimeType, nil)
		}
		aw, err := w.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		aw.Close()
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(w *mail.Writer, o *Outgoing) error {
	iw, err := w.CreateInline()
	if err != nil {
		return fmt.Errorf("create body: %w", err)
	}
	defer iw.Close()

	if o.BodyText != "" || o.BodyHTML == "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(th)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, o.BodyText); err != nil {
			return err
		}
		pw.Close()
	}
	if o.BodyHTML != "" {
		var hh mail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(hh)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, o.BodyHTML); err != nil {
			return err
		}
		pw.Close()
	}
	return nil
}
