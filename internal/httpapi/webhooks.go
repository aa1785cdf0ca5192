package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/provider/fal"
)

// falKinds maps the callback path segment to the kind used to read the payload.
var falKinds = map[string]ce.JobKind{
	"train": ce.KindTraining,
	"image": ce.KindSingleImage,
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// falWebhook settles a job from fal's completion callback. Once the delivery
// is authenticated the answer is always 200, whatever the engine did with it.
func (s *Server) falWebhook(w http.ResponseWriter, r *http.Request) {
	kind, ok := falKinds[chi.URLParam(r, "kind")]
	if !ok {
		writeMessage(w, http.StatusNotFound, "unknown webhook")
		return
	}
	verifier := s.app.Verifier
	if verifier == nil {
		s.logger.Error().Msg("fal webhook received but no verification keys are configured")
		writeMessage(w, http.StatusServiceUnavailable, "webhook verification not configured")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := verifier.Verify(r.Header, body); err != nil {
		s.logger.Warn().Err(err).Msg("fal webhook rejected")
		writeMessage(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := fal.ParseWebhook(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed fal webhook")
		writeMessage(w, http.StatusBadRequest, "malformed webhook")
		return
	}

	// Settlement must finish even if fal hangs up.
	ctx := context.WithoutCancel(r.Context())
	d := s.app.Reconciler.OnProviderEvent(ctx, ev.RequestID, ev.Outcome(kind))
	writeJSON(w, http.StatusOK, map[string]any{"disposition": d})
}

type identityEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// identityWebhook provisions balances from identity provider user events.
func (s *Server) identityWebhook(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		writeMessage(w, http.StatusServiceUnavailable, "identity webhook not configured")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.identity.Verify(body, r.Header); err != nil {
		s.logger.Warn().Err(err).Msg("identity webhook rejected")
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	var ev identityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed event")
		return
	}

	ctx := r.Context()
	switch ev.Type {
	case "user.created":
		err = s.app.Provisioner.OnUserCreated(ctx, ev.Data.ID)
	case "user.updated":
		err = s.app.Provisioner.OnUserUpdated(ctx, ev.Data.ID)
	case "user.deleted":
		err = s.app.Provisioner.OnUserDeleted(ctx, ev.Data.ID)
	default:
		s.logger.Debug().Str("type", ev.Type).Msg("unhandled identity event")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
