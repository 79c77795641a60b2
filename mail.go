package authsentry

import "github.com/davxom/authsentry/internal/mail"

// Mailer delivers the engine's outbound notifications. Implementations
// must tolerate concurrent calls; delivery errors are counted, never
// surfaced to auth flows.
type Mailer = mail.Mailer

// MailMessage is a composed notification ready for delivery.
type MailMessage = mail.Message

// MailTemplate names the message kinds the engine sends.
type MailTemplate = mail.Template

const (
	MailLoginCode     = mail.TemplateLoginCode
	MailLoginAlert    = mail.TemplateLoginAlert
	MailVerifyEmail   = mail.TemplateVerifyEmail
	MailPasswordReset = mail.TemplatePasswordReset
	MailEmailChange   = mail.TemplateEmailChange
)

// NoOpMailer drops every message.
type NoOpMailer = mail.NoOpMailer
