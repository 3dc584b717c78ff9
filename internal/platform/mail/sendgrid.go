package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/hanko-field/storefront/internal/services"
)

const sendEndpoint = "/v3/mail/send"

// SendGridMailer delivers order confirmations through the SendGrid v3 API.
type SendGridMailer struct {
	apiKey   string
	from     *sgmail.Email
	host     string
	sanitize *bluemonday.Policy
}

var _ services.OrderMailer = (*SendGridMailer)(nil)

// Option customises the mailer.
type Option func(*SendGridMailer)

// WithHost points the client at another API host, e.g. a test server.
func WithHost(host string) Option {
	return func(m *SendGridMailer) {
		if host = strings.TrimRight(strings.TrimSpace(host), "/"); host != "" {
			m.host = host
		}
	}
}

// NewSendGridMailer validates the key and sender address.
func NewSendGridMailer(apiKey, fromAddress, fromName string, opts ...Option) (*SendGridMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("sendgrid mailer: api key is required")
	}
	if strings.TrimSpace(fromAddress) == "" {
		return nil, errors.New("sendgrid mailer: from address is required")
	}
	m := &SendGridMailer{
		apiKey:   apiKey,
		from:     sgmail.NewEmail(fromName, fromAddress),
		sanitize: bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// SendOrderConfirmation sends the paid-order receipt.
func (m *SendGridMailer) SendOrderConfirmation(ctx context.Context, msg services.OrderConfirmation) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("sendgrid mailer: recipient is required")
	}

	subject := fmt.Sprintf("Order %s confirmed", msg.OrderNumber)
	text, html := m.render(msg)
	message := sgmail.NewSingleEmail(m.from, subject, sgmail.NewEmail(m.sanitize.Sanitize(msg.Name), msg.To), text, html)

	client := sendgrid.NewSendClient(m.apiKey)
	if m.host != "" {
		client.BaseURL = m.host + sendEndpoint
	}
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send failed: status=%d body=%s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (m *SendGridMailer) render(msg services.OrderConfirmation) (string, string) {
	var text, html strings.Builder
	name := m.sanitize.Sanitize(msg.Name)

	fmt.Fprintf(&text, "Hi %s,\n\nThank you for your order %s.\n\n", name, msg.OrderNumber)
	fmt.Fprintf(&html, "<p>Hi %s,</p><p>Thank you for your order <strong>%s</strong>.</p><ul>", name, m.sanitize.Sanitize(msg.OrderNumber))
	for _, line := range msg.Lines {
		fmt.Fprintf(&text, "- %s x%d  %s\n", line.Name, line.Quantity, line.Price)
		fmt.Fprintf(&html, "<li>%s &times; %d &mdash; %s</li>", m.sanitize.Sanitize(line.Name), line.Quantity, line.Price)
	}
	fmt.Fprintf(&text, "\nTotal: %s %s\n", msg.Total, msg.Currency)
	fmt.Fprintf(&html, "</ul><p>Total: %s %s</p>", msg.Total, m.sanitize.Sanitize(msg.Currency))
	return text.String(), html.String()
}
