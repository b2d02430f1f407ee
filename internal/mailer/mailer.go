// Package mailer dispatches rendered documents by email, polymorphic over
// the configured providers.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/gomail.v2"

	"CertMailer/internal/models"
)

// AttachmentName is the filename the rendered document is attached under.
const AttachmentName = "certificate.pdf"

// ErrAuth marks a failed token refresh or rejected credentials. Retrying the
// same bundle cannot succeed, so dispatch attempts fail fatally.
var ErrAuth = errors.New("mailer: provider auth failed")

// ErrInvalidRecipient marks a provider-reported bad destination address.
var ErrInvalidRecipient = errors.New("mailer: invalid recipient")

// Provider sends one message with the document attached. Implementations own
// their token lifecycle: refresh before send when the bundle is stale.
type Provider interface {
	Send(ctx context.Context, creds models.CredentialBundle, to, subject, body string, attachment []byte) error
}

// Fatal reports whether a send error is non-retryable. Everything else is
// treated as provider-transient and goes back through the queue's backoff.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidRecipient)
}

// buildEnvelope constructs the RFC822 multipart message: plain-text body plus
// the PDF attachment, base64 transfer encoded with a generated boundary.
func buildEnvelope(from, to, subject, body string, attachment []byte) ([]byte, error) {
	m := gomail.NewMessage()
	if from != "" {
		m.SetHeader("From", from)
	}
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

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("mailer: build envelope: %w", err)
	}
	return buf.Bytes(), nil
}
