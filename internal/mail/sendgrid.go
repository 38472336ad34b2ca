package mail

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridMailer delivers plain-text mail through the SendGrid v3 API
type SendGridMailer struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

func NewSendGridMailer(apiKey, fromName, fromAddress string) *SendGridMailer {
	return &SendGridMailer{
		key:        apiKey,
		host:       sendgridHost,
		from:       sgmail.NewEmail(fromName, fromAddress),
		subjPrefix: subjectPrefix(fromName),
	}
}

func (m *SendGridMailer) prepare(to, subject, body string) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = m.subjPrefix + subject
	p.AddTos(sgmail.NewEmail("", to))

	msg := sgmail.NewV3Mail()
	msg.SetFrom(m.from)
	msg.AddPersonalizations(p)
	msg.AddContent(sgmail.NewContent("text/plain", body))
	return msg
}

func (m *SendGridMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := checkRecipient(to); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := sendgrid.GetRequest(m.key, sendgridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m.prepare(to, subject, body))

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d: %s", ErrDeliveryFailed, res.StatusCode, res.Body)
	}
	return nil
}
