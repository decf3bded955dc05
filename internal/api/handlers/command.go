// Package handlers provides HTTP handlers for surgical cases and clinic
// appointments.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/api/middleware"
	"github.com/medcore/surgiflow/pkg/idempotency"
)

// HeaderReplayed is set on responses served from the idempotency inbox.
const HeaderReplayed = "Idempotent-Replayed"

// commandFunc runs a command and returns the success status and body.
type commandFunc func(ctx context.Context, actor string) (int, any, error)

// recordedResponse is what the inbox stores per idempotency key.
type recordedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// commands executes mutating requests, deduplicating them by the
// Idempotency-Key header when an inbox is configured.
type commands struct {
	inbox  idempotency.Processor
	logger *zap.Logger
}

func (c commands) run(w http.ResponseWriter, r *http.Request, name string, fn commandFunc) {
	ctx := r.Context()
	actor := middleware.GetActor(ctx)
	key := r.Header.Get(middleware.HeaderIdempotencyKey)

	if key == "" || c.inbox == nil {
		status, body, err := fn(ctx, actor)
		if err != nil {
			c.fail(w, r, name, err)
			return
		}
		writeJSON(w, status, body)
		return
	}

	res, err := c.inbox.Process(ctx, idempotency.Key(actor, r.Method, r.URL.Path, key), name, nil,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			status, body, err := fn(ctx, actor)
			if err != nil {
				var code int
				code, body = NewErrorBody(err)
				if code >= http.StatusInternalServerError {
					return nil, err
				}
				status = code
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			return json.Marshal(recordedResponse{Status: status, Body: raw})
		})
	if err != nil {
		c.fail(w, r, name, err)
		return
	}

	var rec recordedResponse
	if err := json.Unmarshal(res.Result, &rec); err != nil {
		c.fail(w, r, name, errors.Join(errors.New("decode recorded response"), err))
		return
	}
	if !res.IsNew && !res.WasRecovered {
		w.Header().Set(HeaderReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

func (c commands) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	status, body := NewErrorBody(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("command failed",
			zap.String("command", name),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}
