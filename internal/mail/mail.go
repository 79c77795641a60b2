// Package mail defines the outbound notification contract. The engine only
// composes messages; delivery is the host application's problem, so the
// default implementations either log or drop.
package mail

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Template names the message kinds the engine sends.
type Template string

const (
	TemplateLoginCode     Template = "login_code"
	TemplateLoginAlert    Template = "login_alert"
	TemplateVerifyEmail   Template = "verify_email"
	TemplatePasswordReset Template = "password_reset"
	TemplateEmailChange   Template = "email_change"
)

// Message is a composed notification ready for delivery.
type Message struct {
	To       string
	Template Template
	Data     map[string]string
}

// Mailer delivers messages. Implementations must tolerate concurrent calls.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpMailer drops every message.
type NoOpMailer struct{}

func (NoOpMailer) Send(context.Context, Message) error { return nil }

// LogMailer writes message envelopes to a logger, redacting Data values.
type LogMailer struct {
	Logger *log.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	if m.Logger != nil {
		m.Logger.Printf("mail %s to %s", msg.Template, msg.To)
	}
	return nil
}

// Dispatcher sends messages on background goroutines so auth flows never
// wait on a mail provider. Delivery errors are counted, not surfaced.
type Dispatcher struct {
	mailer Mailer
	wg     sync.WaitGroup
	failed atomic.Uint64
}

func NewDispatcher(mailer Mailer) *Dispatcher {
	if mailer == nil {
		mailer = NoOpMailer{}
	}
	return &Dispatcher{mailer: mailer}
}

// Send queues the message for delivery and returns immediately.
func (d *Dispatcher) Send(msg Message) {
	if d == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.mailer.Send(context.Background(), msg); err != nil {
			d.failed.Add(1)
		}
	}()
}

// Failed reports how many deliveries returned an error.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
