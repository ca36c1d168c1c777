package api

import (
	"errors"
	"net/http"

	"github.com/betterbobcats/email-outbox/internal/pkg/httputil"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

// Handlers contains the trigger endpoint.
type Handlers struct {
	dispatcher Invoker
}

// SendEmailsResponse is the body of a successful trigger call.
type SendEmailsResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
}

// SendEmails runs one dispatcher pass.
//
//	POST /send-emails
//	x-worker-secret: <shared secret>
func (h *Handlers) SendEmails(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Invoke(r.Context(), r.Header.Get(WorkerSecretHeader))
	if err != nil {
		if errors.Is(err, outbox.ErrUnauthorized) {
			httputil.Unauthorized(w, "Unauthorized: Invalid worker secret")
			return
		}
		respondSafeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := SendEmailsResponse{
		Success:    true,
		Processed:  res.Processed,
		Successful: res.Successful,
		Failed:     res.Failed,
	}
	if res.Processed == 0 {
		resp.Message = "No pending emails to process"
	}
	httputil.OK(w, resp)
}
