package schild

import "context"

// Message is a mail handed to the Mailer. Rendering is left to the
// mailer, Data carries the values a template would need.
type Message struct {
	To      string
	Subject string
	Body    string
	Data    map[string]any
}

// Mailer delivers action codes and magic links
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to the Mailer interface
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

// LogMailer writes messages to a logger instead of sending them
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	normalizeLogger(m.Logger).Info("mail", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

type noopMailer struct{}

func (noopMailer) Send(context.Context, Message) error { return nil }

func normalizeMailer(m Mailer) Mailer {
	if m == nil {
		return noopMailer{}
	}
	return m
}
