package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/idempotency"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Kind              apperr.Kind `json:"kind"`
	Message           string      `json:"message"`
	RemainingAttempts *int        `json:"remainingAttempts,omitempty"`
	RetryAfterSeconds int         `json:"retryAfterSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind, Message: apperr.SafeMessage(err)}
	if e, ok := apperr.As(err); ok {
		body.RemainingAttempts = e.RemainingAttempts
		if e.RetryAfter > 0 {
			body.RetryAfterSeconds = int(math.Ceil(e.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
		}
	}

	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", r.Header.Get("X-Request-Id")),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, struct {
		Error errorBody `json:"error"`
	}{body})
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.New(apperr.KindValidation, "invalid json payload")
	}
	return nil
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// A key reused with a different request is rejected, and a key whose first
// request is still running gets a conflict. Server errors are not stored so
// the client can retry them.
func (s *Server) idempotent(required bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		if key == "" {
			if required {
				s.writeError(w, r, apperr.New(apperr.KindValidation, "missing X-Idempotency-Key header"))
				return
			}
			next(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, apperr.New(apperr.KindValidation, "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		ctx := r.Context()

		if !s.claimKey(key) {
			s.writeError(w, r, apperr.New(apperr.KindInvalidStateTransition, "a request with this X-Idempotency-Key is in progress"))
			return
		}
		defer s.releaseKey(key)

		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindUnavailable, "idempotency store unavailable", err))
			return
		}
		if existing != nil {
			if existing.Fingerprint != fingerprint {
				s.writeError(w, r, apperr.New(apperr.KindValidation, "X-Idempotency-Key was already used for a different request"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}

		now := time.Now()
		err = s.store.Save(ctx, key, idempotency.Record{
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		})
		if err != nil {
			s.logger.Warn("saving idempotency record failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Server) claimKey(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) releaseKey(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}
