package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"CertMailer/internal/models"
)

// GmailProvider sends through the Gmail API. Token refresh is delegated to
// the oauth2 TokenSource, which transparently uses the bundle's refresh token
// when the access token has expired.
type GmailProvider struct {
	ClientID     string
	ClientSecret string
}

func NewGmailProvider(clientID, clientSecret string) *GmailProvider {
	return &GmailProvider{ClientID: clientID, ClientSecret: clientSecret}
}

func (p *GmailProvider) Send(ctx context.Context, creds models.CredentialBundle, to, subject, body string, attachment []byte) error {
	conf := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
	if creds.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(creds.ExpiryDate)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, tok)))
	if err != nil {
		return fmt.Errorf("gmail: init service: %w", err)
	}

	envelope, err := buildEnvelope("", to, subject, body, attachment)
	if err != nil {
		return err
	}
	raw := base64.RawURLEncoding.EncodeToString(envelope)

	_, err = svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("%w: gmail: %v", ErrAuth, apiErr.Message)
		case 400:
			return fmt.Errorf("%w: gmail: %v", ErrInvalidRecipient, apiErr.Message)
		}
	}
	// An oauth2 RetrieveError surfaces here when the SDK's internal refresh
	// was rejected by the token endpoint.
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return fmt.Errorf("%w: gmail refresh: %v", ErrAuth, rErr)
	}
	return fmt.Errorf("gmail: send: %w", err)
}
