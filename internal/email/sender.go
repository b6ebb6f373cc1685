package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/sync/semaphore"
	"gopkg.in/gomail.v2"
)

// Message is one delivery: the same subject and body to every recipient.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

// Transport delivers a message. Implementations must return promptly once
// ctx is done.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// renderer turns the plain-text body into the HTML alternative. Raw HTML in
// the body is dropped.
var renderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// RenderHTML converts a text/markdown body to HTML.
func RenderHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return buf.String(), nil
}

var _ Transport = (*SMTPSender)(nil)

type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// MaxInFlight caps SMTP conversations still running, including ones the
	// caller stopped waiting for. Zero means DefaultSMTPMaxInFlight.
	MaxInFlight int64

	// send delivers a built message; nil means dial the SMTP server.
	send func(m *gomail.Message) error

	once     sync.Once
	inflight *semaphore.Weighted
}

const DefaultSMTPMaxInFlight = 10

// Send builds the message and delivers it over SMTP.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.buildMessage(msg)
	if err != nil {
		return err
	}

	send := s.send
	if send == nil {
		d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
		send = func(m *gomail.Message) error { return d.DialAndSend(m) }
	}

	s.once.Do(func() {
		n := s.MaxInFlight
		if n <= 0 {
			n = DefaultSMTPMaxInFlight
		}
		s.inflight = semaphore.NewWeighted(n)
	})

	// A slot is held until the SMTP conversation ends, not until ctx does.
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	// gomail has no context support, so the dial runs aside and the caller
	// stops waiting when ctx ends.
	done := make(chan error, 1)
	go func() {
		defer s.inflight.Release(1)
		done <- send(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send error: %w", ctx.Err())
	}
}

func (s *SMTPSender) buildMessage(msg Message) (*gomail.Message, error) {
	if len(msg.Recipients) == 0 {
		return nil, Permanent(errors.New("message has no recipients"))
	}

	html, err := RenderHTML(msg.Body)
	if err != nil {
		return nil, Permanent(err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", html)

	return m, nil
}
