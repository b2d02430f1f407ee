package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"CertMailer/internal/batch"
	"CertMailer/internal/models"
)

type Handler struct {
	Coordinator *batch.Coordinator
	Log         *zap.Logger
}

// batchRequest is the payload from the document editor surface. Credentials
// arrive either as the opaque encrypted token issued by the authorization
// layer (a JSON string) or as a plaintext bundle object, which is encrypted
// here before anything enters the queue.
type batchRequest struct {
	Template   *models.Template   `json:"template"`
	Recipients []models.Recipient `json:"recipients"`
	Subject    string             `json:"subject"`
	Body       string             `json:"body"`
	Credential json.RawMessage    `json:"credentials"`
}

// Send handles POST /send: creates a batch and responds with its id and
// job count.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req batchRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients must not be empty")
		return
	}
	if len(req.Credential) == 0 {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	ctx := r.Context()

	var (
		batchID string
		count   int
		err     error
	)
	var opaque string
	if jsonErr := json.Unmarshal(req.Credential, &opaque); jsonErr == nil {
		batchID, count, err = h.Coordinator.CreateBatchEncrypted(ctx, req.Template, req.Recipients, req.Subject, req.Body, opaque)
	} else {
		var bundle models.CredentialBundle
		if jsonErr := json.Unmarshal(req.Credential, &bundle); jsonErr != nil {
			writeError(w, http.StatusBadRequest, "credentials must be an encrypted token or a bundle object")
			return
		}
		batchID, count, err = h.Coordinator.CreateBatch(ctx, req.Template, req.Recipients, req.Subject, req.Body, bundle)
	}
	if err != nil {
		h.Log.Error("batch creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"batchId":  batchID,
		"jobCount": count,
	})
}

// BatchStatus handles GET /jobs/{batchId}: one status entry per job still
// resolvable in the queue.
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "missing batch id")
		return
	}

	views, err := h.Coordinator.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		h.Log.Error("batch status query failed",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs": views,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
