package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CertMailer/internal/batch"
	"CertMailer/internal/models"
	"CertMailer/internal/queue"
	"CertMailer/internal/vault"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v, err := vault.NewRandom()
	require.NoError(t, err)
	q := queue.New(rdb, zap.NewNop(), 3, time.Second, 24*time.Hour)
	h := &Handler{
		Coordinator: batch.NewCoordinator(rdb, q, v, 24*time.Hour, zap.NewNop()),
		Log:         zap.NewNop(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", h.Send)
	mux.HandleFunc("GET /jobs/{batchId}", h.BatchStatus)
	return mux
}

func sendRequest(t *testing.T, mux *http.ServeMux, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func validRequest() map[string]interface{} {
	return map[string]interface{}{
		"template": map[string]interface{}{"objects": []interface{}{}},
		"recipients": []map[string]string{
			{"email": "a@x.com", "name": "Ada"},
			{"email": "b@x.com", "name": "Bob"},
		},
		"subject": "Your certificate",
		"body":    "Hello {{name}}",
		"credentials": map[string]interface{}{
			"provider":     "google",
			"access_token": "at",
		},
	}
}

func TestSendCreatesBatch(t *testing.T) {
	mux := newTestMux(t)

	rec := sendRequest(t, mux, validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		BatchID  string `json:"batchId"`
		JobCount int    `json:"jobCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 2, resp.JobCount)

	// Status immediately after creation: one queued entry per recipient.
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+resp.BatchID, nil)
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, req)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status struct {
		Jobs []models.JobStatusView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	require.Len(t, status.Jobs, 2)
	for _, j := range status.Jobs {
		assert.Equal(t, models.StateQueued, j.Status)
	}
}

func TestSendAcceptsOpaqueCredentialToken(t *testing.T) {
	mux := newTestMux(t)

	body := validRequest()
	body["credentials"] = "aabbcc:ddeeff" // already-encrypted token passes through
	rec := sendRequest(t, mux, body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSendValidation(t *testing.T) {
	mux := newTestMux(t)

	body := validRequest()
	body["recipients"] = []map[string]string{}
	rec := sendRequest(t, mux, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = validRequest()
	delete(body, "credentials")
	rec = sendRequest(t, mux, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchStatusUnknownBatch(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/unknown-batch", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Jobs []models.JobStatusView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Empty(t, status.Jobs)
}
