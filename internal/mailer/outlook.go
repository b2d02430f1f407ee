package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"CertMailer/internal/models"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookProvider sends through the Microsoft Graph sendMail endpoint. Graph
// does not refresh for us: the bundle's expiry is compared against the clock
// and a refresh-token grant is issued when it has passed. Refreshed tokens
// are cached per refresh token so concurrent jobs of a batch reuse the first
// successful refresh instead of each hitting the token endpoint.
type OutlookProvider struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	client *resty.Client

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	accessToken string
	expiry      time.Time
}

func NewOutlookProvider(clientID, clientSecret, tokenURL string) *OutlookProvider {
	return &OutlookProvider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		client:       resty.New().SetBaseURL(graphBaseURL),
		cache:        make(map[string]cachedToken),
	}
}

// SetBaseURL points the provider at a different Graph endpoint. Used by tests.
func (p *OutlookProvider) SetBaseURL(u string) {
	p.client.SetBaseURL(u)
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type graphMail struct {
	Subject      string           `json:"subject"`
	ToRecipients []graphRecipient `json:"toRecipients"`
	Body         struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	} `json:"body"`
	Attachments []graphAttachment `json:"attachments"`
}

func (p *OutlookProvider) Send(ctx context.Context, creds models.CredentialBundle, to, subject, body string, attachment []byte) error {
	accessToken := creds.AccessToken
	if creds.Expired(time.Now()) {
		refreshed, err := p.freshToken(ctx, creds.RefreshToken)
		if err != nil {
			return err
		}
		accessToken = refreshed
	}

	var recipient graphRecipient
	recipient.EmailAddress.Address = to

	mail := graphMail{
		Subject:      subject,
		ToRecipients: []graphRecipient{recipient},
		Attachments: []graphAttachment{{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         AttachmentName,
			ContentType:  "application/pdf",
			ContentBytes: base64.StdEncoding.EncodeToString(attachment),
		}},
	}
	mail.Body.Content = body
	mail.Body.ContentType = "text"

	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(map[string]any{"message": mail}).
		Post("/me/sendMail")
	if err != nil {
		return fmt.Errorf("outlook: send: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code < 300:
		return nil
	case code == 401 || code == 403:
		return fmt.Errorf("%w: outlook: status %d", ErrAuth, code)
	case code == 400 || code == 404:
		return fmt.Errorf("%w: outlook: status %d: %s", ErrInvalidRecipient, code, resp.String())
	default:
		// 429 and 5xx go back through the queue's backoff.
		return fmt.Errorf("outlook: send: status %d: %s", code, resp.String())
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// freshToken returns a cached unexpired access token for refreshToken, or
// performs a refresh-token grant. Last successful writer wins the cache slot.
func (p *OutlookProvider) freshToken(ctx context.Context, refreshToken string) (string, error) {
	p.mu.Lock()
	if tok, ok := p.cache[refreshToken]; ok && time.Now().Before(tok.expiry) {
		p.mu.Unlock()
		return tok.accessToken, nil
	}
	p.mu.Unlock()

	var tr tokenResponse
	resp, err := resty.New().R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     p.ClientID,
			"client_secret": p.ClientSecret,
			"refresh_token": refreshToken,
			"grant_type":    "refresh_token",
		}).
		SetResult(&tr).
		SetError(&tr).
		Post(p.TokenURL)
	if err != nil {
		// Transport failure: the token endpoint may come back, so this stays
		// retryable rather than auth-fatal.
		return "", fmt.Errorf("outlook: refresh request: %w", err)
	}
	if resp.IsError() || tr.Error != "" {
		return "", fmt.Errorf("%w: outlook refresh: %s %s", ErrAuth, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: outlook refresh: empty access token", ErrAuth)
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	p.mu.Lock()
	p.cache[refreshToken] = cachedToken{accessToken: tr.AccessToken, expiry: expiry.Add(-30 * time.Second)}
	p.mu.Unlock()

	return tr.AccessToken, nil
}
