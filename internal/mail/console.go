package mail

import (
	"context"
	"fmt"
	"io"
	netmail "net/mail"
	"os"
	"strings"
	"sync"
	"time"
)

// Message is what the console mailer recorded
type Message struct {
	To      string
	Subject string
	Body    string
}

// ConsoleMailer prints messages instead of sending them; used in development and tests
type ConsoleMailer struct {
	out        io.Writer
	from       netmail.Address
	subjPrefix string

	mu   sync.Mutex
	sent []Message
}

// NewConsoleMailer writes to out, or stdout when out is nil
func NewConsoleMailer(out io.Writer, fromName, fromAddress string) *ConsoleMailer {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleMailer{
		out:        out,
		from:       netmail.Address{Name: fromName, Address: fromAddress},
		subjPrefix: subjectPrefix(fromName),
	}
}

func (m *ConsoleMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := checkRecipient(to); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := new(strings.Builder)
	_, _ = fmt.Fprintf(buf, "From: %s\r\n", m.from.String())
	_, _ = fmt.Fprintf(buf, "To: %s\r\n", to)
	_, _ = fmt.Fprintf(buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(buf, "Subject: %s\r\n", m.subjPrefix+subject)
	_, _ = fmt.Fprint(buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	_, _ = fmt.Fprintf(buf, "%s\r\n", body)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := io.WriteString(m.out, buf.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of every message sent so far
func (m *ConsoleMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
