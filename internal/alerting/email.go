package alerting

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// EmailNotifier sends plain-text mail through an SMTP relay.
type EmailNotifier struct {
	addr     string
	from     string
	username string
	password string
	to       string
}

// NewEmailNotifier creates an email notifier.
func NewEmailNotifier(cfg ChannelConfig) *EmailNotifier {
	port := cfg.SMTP.Port
	if port == 0 {
		port = 587
	}
	return &EmailNotifier{
		addr:     net.JoinHostPort(cfg.SMTP.Host, strconv.Itoa(port)),
		from:     cfg.SMTP.From,
		username: cfg.SMTP.Username,
		password: cfg.SMTP.Password,
		to:       cfg.Target,
	}
}

// Notify implements Notifier. target is a comma-separated recipient list.
func (n *EmailNotifier) Notify(ctx context.Context, target, message string, summary Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if target == "" {
		target = n.to
	}
	var to []string
	for _, addr := range strings.Split(target, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients")
	}

	var auth sasl.Client
	if n.username != "" {
		auth = sasl.NewPlainClient("", n.username, n.password)
	}

	msg := buildMail(n.from, to, summary, message)
	if err := smtp.SendMail(n.addr, auth, n.from, to, strings.NewReader(msg)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func buildMail(from string, to []string, s Summary, body string) string {
	subject := fmt.Sprintf("[errorpipe] %s %s in %s", strings.ToUpper(string(s.Severity)), s.Kind, s.Service)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n\r\nFingerprint: " + s.Fingerprint + "\r\n")
	return b.String()
}
