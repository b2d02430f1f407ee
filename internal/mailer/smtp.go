package mailer

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/gomail.v2"

	"CertMailer/internal/models"
)

// SMTPProvider delivers through a plain SMTP relay. Meant for local runs
// against a capture server (e.g. MailHog); no OAuth lifecycle involved. The
// bundle's access token doubles as the SMTP password when set.
type SMTPProvider struct {
	Host string
	Port int
	From string
	User string
}

func NewSMTPProvider(host string, port int, from string) *SMTPProvider {
	return &SMTPProvider{Host: host, Port: port, From: from}
}

func (s *SMTPProvider) Send(_ context.Context, creds models.CredentialBundle, to, subject, body string, attachment []byte) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	m.Attach(AttachmentName,
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(attachment)
			return err
		}),
		gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
	)

	d := gomail.NewDialer(s.Host, s.Port, s.User, creds.AccessToken)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}
