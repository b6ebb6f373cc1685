package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

var _ Transport = (*ResendSender)(nil)

// ResendSender delivers through the Resend HTTP API.
type ResendSender struct {
	client *resend.Client
	from   string
	log    *zap.Logger
}

func NewResendSender(apiKey, from string, log *zap.Logger) *ResendSender {
	return NewResendSenderWithClient(resend.NewClient(apiKey), from, log)
}

// NewResendSenderWithClient uses a preconfigured client, e.g. one pointed at
// a different base URL.
func NewResendSenderWithClient(client *resend.Client, from string, log *zap.Logger) *ResendSender {
	return &ResendSender{client: client, from: from, log: log}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return Permanent(errors.New("message has no recipients"))
	}

	html, err := RenderHTML(msg.Body)
	if err != nil {
		return Permanent(err)
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      msg.Recipients,
		Subject: msg.Subject,
		Text:    msg.Body,
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("resend send error: %w", err)
	}

	s.log.Debug("resend accepted message",
		zap.String("message_id", sent.Id),
		zap.Int("recipients", len(msg.Recipients)),
	)
	return nil
}
