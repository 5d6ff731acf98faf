// Package mime parses and composes RFC 5322 messages.
//
// Parsing goes through enmime, which tolerates the malformed structure
// real mailboxes accumulate. Composition uses go-message so outgoing mail
// is always well-formed.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/textutil"
)

const snippetRunes = 200

// ParsedMessage is the result of parsing one raw message.
type ParsedMessage struct {
	MessageID  string
	Subject    string
	Date       time.Time
	From       store.Addr
	To         []store.Addr
	Cc         []store.Addr
	Bcc        []store.Addr
	ReplyTo    []store.Addr
	InReplyTo  string
	References []string
	BodyText   string
	BodyHTML   string
	Parts      []Part
	Errors     []string // non-fatal parse defects
}

// Part is one attachment or inline part.
type Part struct {
	Filename  string
	MimeType  string
	ContentID string
	Content   []byte
	IsInline  bool
}

// Parse parses raw MIME data.
func Parse(raw []byte) (*ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &ParsedMessage{
		MessageID: strings.Trim(env.GetHeader("Message-ID"), "<>"),
		Subject:   textutil.EnsureUTF8(env.GetHeader("Subject")),
		InReplyTo: strings.Trim(env.GetHeader("In-Reply-To"), "<>"),
		BodyText:  textutil.EnsureUTF8(env.Text),
		BodyHTML:  textutil.EnsureUTF8(env.HTML),
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			msg.Date = t
		}
	}

	if from := addressList(env, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(env, "To")
	msg.Cc = addressList(env, "Cc")
	msg.Bcc = addressList(env, "Bcc")
	msg.ReplyTo = addressList(env, "Reply-To")

	if refs := env.GetHeader("References"); refs != "" {
		msg.References = parseReferences(refs)
	}

	msg.Parts = append(msg.Parts, collectParts(env.Attachments, false)...)
	msg.Parts = append(msg.Parts, collectParts(env.Inlines, true)...)

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}
	return msg, nil
}

// addressList parses an address header via enmime, which copes with the
// unquoted display names and stray commas stdlib mail.ParseAddressList
// rejects.
func addressList(env *enmime.Envelope, header string) []store.Addr {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}
	addrs := make([]store.Addr, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		addrs = append(addrs, store.Addr{
			Address: strings.ToLower(a.Address),
			Name:    textutil.EnsureUTF8(a.Name),
		})
	}
	return addrs
}

// isBodyPart reports whether a text part is body content rather than an
// attachment: text/plain or text/html, no filename, no explicit
// Content-Disposition: attachment.
func isBodyPart(part *enmime.Part) bool {
	contentType := strings.ToLower(part.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType != "text/plain" && contentType != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	disposition := strings.ToLower(part.Disposition)
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[:idx])
	}
	return disposition != "attachment"
}

func collectParts(parts []*enmime.Part, isInline bool) []Part {
	var out []Part
	for _, p := range parts {
		if isBodyPart(p) {
			continue
		}
		out = append(out, Part{
			Filename:  p.FileName,
			MimeType:  p.ContentType,
			ContentID: strings.Trim(p.ContentID, "<>"),
			Content:   p.Content,
			IsInline:  isInline,
		})
	}
	return out
}

func parseReferences(refs string) []string {
	var out []string
	for _, ref := range strings.Fields(refs) {
		ref = strings.Trim(ref, "<>")
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// dateFormats lists the date shapes seen in real mail, most common first.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseDate parses an email Date header, returning UTC.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	// Parenthesized timezone names like "(UTC)" confuse most formats;
	// strip them first, fall back to the original.
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t.UTC(), nil
		}
	}
	if baseStr != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return time.Time{}, nil
}

var (
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTagRe   = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML converts an HTML body to readable plain text: block elements
// become line breaks, entities are decoded, whitespace is normalized.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00a0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// PlainBody returns the best available plain body, stripping HTML when no
// text part exists.
func (m *ParsedMessage) PlainBody() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// Snippet derives the stored preview text.
func (m *ParsedMessage) Snippet() string {
	body := strings.Join(strings.Fields(m.PlainBody()), " ")
	return textutil.TruncateRunes(body, snippetRunes)
}
