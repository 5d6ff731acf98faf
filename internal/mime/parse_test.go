package mime_test

import (
	"strings"
	"testing"

	"github.com/intentmail/intentmail/internal/mime"
)

const simpleMessage = "Message-ID: <abc123@mail.example>\r\n" +
	"From: Alice Smith <Alice@Example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: Meeting notes\r\n" +
	"Date: Mon, 3 Jun 2024 10:30:00 +0200\r\n" +
	"In-Reply-To: <parent@mail.example>\r\n" +
	"References: <root@mail.example> <parent@mail.example>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Notes from the sync this morning.\r\n"

func TestParseSimpleMessage(t *testing.T) {
	msg, err := mime.Parse([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if msg.MessageID != "abc123@mail.example" {
		t.Errorf("message id %q", msg.MessageID)
	}
	if msg.Subject != "Meeting notes" {
		t.Errorf("subject %q", msg.Subject)
	}
	if msg.From.Address != "alice@example.com" || msg.From.Name != "Alice Smith" {
		t.Errorf("from %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[1].Name != "Carol" {
		t.Errorf("to %+v", msg.To)
	}
	if msg.InReplyTo != "parent@mail.example" {
		t.Errorf("inReplyTo %q", msg.InReplyTo)
	}
	if len(msg.References) != 2 || msg.References[0] != "root@mail.example" {
		t.Errorf("references %v", msg.References)
	}
	// Date normalizes to UTC.
	if got := msg.Date.Format("2006-01-02 15:04"); got != "2024-06-03 08:30" {
		t.Errorf("date %s", got)
	}
	if !strings.Contains(msg.BodyText, "Notes from the sync") {
		t.Errorf("body %q", msg.BodyText)
	}
}

func TestParseMultipartWithAttachment(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: With attachment\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"XYZ\"\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: multipart/alternative; boundary=\"ALT\"\r\n" +
		"\r\n" +
		"--ALT\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Plain body.\r\n" +
		"--ALT\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>HTML body.</p>\r\n" +
		"--ALT--\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--XYZ--\r\n"

	msg, err := mime.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(msg.BodyText, "Plain body") {
		t.Errorf("text body %q", msg.BodyText)
	}
	if !strings.Contains(msg.BodyHTML, "HTML body") {
		t.Errorf("html body %q", msg.BodyHTML)
	}
	if len(msg.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(msg.Parts))
	}
	att := msg.Parts[0]
	if att.Filename != "report.pdf" || att.IsInline {
		t.Errorf("attachment %+v", att)
	}
	if string(att.Content) != "%PDF-1.4" {
		t.Errorf("content %q", att.Content)
	}
}

func TestParseDateVariants(t *testing.T) {
	for _, dateHeader := range []string{
		"Mon, 3 Jun 2024 10:30:00 +0200",
		"3 Jun 2024 08:30:00 +0000",
		"Mon, 03 Jun 2024 08:30:00 GMT",
		"Mon, 3 Jun 2024 04:30:00 -0400 (EDT)",
	} {
		raw := "From: a@example.com\r\nTo: b@example.com\r\n" +
			"Subject: x\r\nDate: " + dateHeader + "\r\n\r\nbody\r\n"
		msg, err := mime.Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse with date %q: %v", dateHeader, err)
		}
		if msg.Date.IsZero() {
			t.Errorf("date %q did not parse", dateHeader)
			continue
		}
		if got := msg.Date.UTC().Format("15:04"); got != "08:30" {
			t.Errorf("date %q parsed to %s UTC, want 08:30", dateHeader, got)
		}
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><title>x</title><style>p{color:red}</style></head>
	<body><script>alert(1)</script>
	<h1>Heading</h1>
	<p>First&nbsp;paragraph with &amp; entity.</p>
	<div>Second   line</div></body></html>`

	got := mime.StripHTML(in)
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script/style leaked: %q", got)
	}
	for _, want := range []string{"Heading", "First paragraph with & entity.", "Second line"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestSnippet(t *testing.T) {
	msg := &mime.ParsedMessage{
		BodyHTML: "<p>" + strings.Repeat("word ", 100) + "</p>",
	}
	snippet := msg.Snippet()
	if len([]rune(snippet)) > 200 {
		t.Errorf("snippet is %d runes", len([]rune(snippet)))
	}
	if !strings.HasPrefix(snippet, "word word") {
		t.Errorf("snippet %q", snippet)
	}
}
