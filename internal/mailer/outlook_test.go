package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CertMailer/internal/models"
)

func validBundle() models.CredentialBundle {
	return models.CredentialBundle{
		Provider:     models.ProviderOutlook,
		AccessToken:  "live-token",
		RefreshToken: "refresh-1",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	}
}

func expiredBundle() models.CredentialBundle {
	b := validBundle()
	b.ExpiryDate = time.Now().Add(-time.Hour).UnixMilli()
	return b
}

func TestOutlookSendWithLiveToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/sendMail", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graph.Close()

	p := NewOutlookProvider("id", "secret", "http://unused.invalid/token")
	p.SetBaseURL(graph.URL)

	err := p.Send(context.Background(), validBundle(), "a@x.com", "Subject", "Body", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer live-token", gotAuth)

	msg := gotBody["message"].(map[string]any)
	assert.Equal(t, "Subject", msg["subject"])
	atts := msg["attachments"].([]any)
	require.Len(t, atts, 1)
	att := atts[0].(map[string]any)
	assert.Equal(t, "certificate.pdf", att["name"])
	assert.Equal(t, "application/pdf", att["contentType"])
	assert.Equal(t, "#microsoft.graph.fileAttachment", att["@odata.type"])
}

func TestOutlookRefreshesExpiredToken(t *testing.T) {
	var refreshCalls atomic.Int32
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600})
	}))
	defer token.Close()

	var gotAuth string
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graph.Close()

	p := NewOutlookProvider("id", "secret", token.URL)
	p.SetBaseURL(graph.URL)

	err := p.Send(context.Background(), expiredBundle(), "a@x.com", "S", "B", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh-token", gotAuth)

	// Second send with the same stale bundle reuses the cached token.
	err = p.Send(context.Background(), expiredBundle(), "b@x.com", "S", "B", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestOutlookRefreshRejectedIsFatal(t *testing.T) {
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant", "error_description": "revoked"})
	}))
	defer token.Close()

	p := NewOutlookProvider("id", "secret", token.URL)

	err := p.Send(context.Background(), expiredBundle(), "a@x.com", "S", "B", nil)
	require.Error(t, err)
	assert.True(t, Fatal(err))
	assert.ErrorIs(t, err, ErrAuth)
}

func TestOutlookServerErrorIsRetryable(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer graph.Close()

	p := NewOutlookProvider("id", "secret", "http://unused.invalid/token")
	p.SetBaseURL(graph.URL)

	err := p.Send(context.Background(), validBundle(), "a@x.com", "S", "B", nil)
	require.Error(t, err)
	assert.False(t, Fatal(err))
}

func TestOutlookBadRecipientIsFatal(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer graph.Close()

	p := NewOutlookProvider("id", "secret", "http://unused.invalid/token")
	p.SetBaseURL(graph.URL)

	err := p.Send(context.Background(), validBundle(), "not-an-address", "S", "B", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}
