package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	mail "gopkg.in/mail.v2"

	"erpnotify/internal/model"
)

// EmailSender abstracts the SMTP dialer so tests can swap in a fake.
// *mail.Dialer satisfies it.
type EmailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailAdapter delivers over SMTP via gomail. Messages carry both HTML and
// plain-text parts plus a List-Unsubscribe header pointing at the entry's
// token URL, which keeps one-click unsubscribes working in major clients.
type EmailAdapter struct {
	sender        EmailSender
	from          string
	publicBaseURL string
}

func NewEmailAdapter(host string, port int, user, password, from, publicBaseURL string) *EmailAdapter {
	d := mail.NewDialer(host, port, user, password)
	d.Timeout = TimeoutEmail
	return &EmailAdapter{sender: d, from: from, publicBaseURL: publicBaseURL}
}

// NewEmailAdapterWithSender wires a custom sender (tests).
func NewEmailAdapterWithSender(sender EmailSender, from, publicBaseURL string) *EmailAdapter {
	return &EmailAdapter{sender: sender, from: from, publicBaseURL: publicBaseURL}
}

func (a *EmailAdapter) Name() string { return model.ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, e *Entry) Result {
	if e.Address == "" || !strings.Contains(e.Address, "@") {
		return permanent("invalid_address", fmt.Errorf("not an email address: %q", e.Address))
	}

	m := mail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", e.Address)
	m.SetHeader("Subject", e.Title)

	unsubURL := ""
	if e.UnsubscribeToken != "" {
		unsubURL = a.publicBaseURL + "/unsubscribe/" + e.UnsubscribeToken
		m.SetHeader("List-Unsubscribe", "<"+unsubURL+">")
	}

	m.SetBody("text/plain", textBody(e, unsubURL))
	m.AddAlternative("text/html", htmlBody(e, unsubURL))

	for _, att := range e.Attachments {
		att := att
		m.AttachReader(att.Filename, bytes.NewReader(att.Content))
	}

	// gomail dials synchronously; run it under the entry deadline so a hung
	// relay surfaces as a transient timeout instead of blocking a worker.
	errCh := make(chan error, 1)
	go func() { errCh <- a.sender.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return transient("smtp_timeout", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return classifyEmailErr(err)
		}
	}

	log.Printf("[Email] Sent: to=%s subject=%q", e.Address, e.Title)
	return ok("")
}

// classifyEmailErr sorts SMTP failures: 4xx replies, DNS trouble, and
// timeouts heal with a retry; 5xx replies mean the mailbox rejected us.
func classifyEmailErr(err error) Result {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient("smtp_timeout", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return transient("dns_error", err)
	}

	msg := err.Error()
	if code := smtpCode(msg); code != 0 {
		if code >= 500 {
			return permanent("smtp_5xx", err)
		}
		if code >= 400 {
			return transient("smtp_4xx", err)
		}
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") || strings.Contains(msg, "timeout") {
		return transient("smtp_connect", err)
	}
	// Unknown SMTP failures are retried; the attempt budget bounds the cost.
	return transient("smtp_error", err)
}

// smtpCode extracts the leading 3-digit reply code from an SMTP error string,
// e.g. "550 5.1.1 user unknown".
func smtpCode(msg string) int {
	for i := 0; i+3 <= len(msg); i++ {
		if (msg[i] == '4' || msg[i] == '5') &&
			isDigit(msg[i+1]) && isDigit(msg[i+2]) &&
			(i+3 == len(msg) || msg[i+3] == ' ' || msg[i+3] == '-') {
			return int(msg[i]-'0')*100 + int(msg[i+1]-'0')*10 + int(msg[i+2]-'0')
		}
	}
	return 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func textBody(e *Entry, unsubURL string) string {
	var b strings.Builder
	b.WriteString(e.Body)
	if e.ActionURL != nil {
		b.WriteString("\n\n")
		b.WriteString(*e.ActionURL)
	}
	if unsubURL != "" {
		b.WriteString("\n\n--\nUnsubscribe: ")
		b.WriteString(unsubURL)
	}
	return b.String()
}

func htmlBody(e *Entry, unsubURL string) string {
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(htmlEscape(e.Body))
	b.WriteString("</p>")
	if e.ActionURL != nil {
		fmt.Fprintf(&b, `<p><a href="%s">View details</a></p>`, htmlEscape(*e.ActionURL))
	}
	if e.ImageURL != nil {
		fmt.Fprintf(&b, `<p><img src="%s" alt=""/></p>`, htmlEscape(*e.ImageURL))
	}
	if unsubURL != "" {
		fmt.Fprintf(&b, `<p style="font-size:12px;color:#888"><a href="%s">Unsubscribe</a></p>`, unsubURL)
	}
	return b.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
