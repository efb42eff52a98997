// Package service implements the forwarding contract shared by every gateway route.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"civic-data-gateway/internal/config"
	"civic-data-gateway/internal/model"
	"civic-data-gateway/internal/route"
)

var (
	// ErrMissingPathParam is returned before any backend call when a route's
	// path placeholder has no value.
	ErrMissingPathParam = errors.New("missing required path parameter")

	// ErrInvalidPathParam is returned before any backend call when a path
	// parameter is a dot segment.
	ErrInvalidPathParam = errors.New("invalid path parameter")

	// ErrInvalidBody is returned before any backend call when a body-forwarding
	// route receives an empty or non-JSON body.
	ErrInvalidBody = errors.New("invalid JSON request body")
)

const userAgent = "civic-data-gateway/1.0"

// Backend performs one backend call. *client.BackendClient implements it.
type Backend interface {
	Do(ctx context.Context, out *model.OutboundRequest) (*model.BackendResponse, error)
}

// ProxyService forwards inbound requests to the backend according to a route.
type ProxyService struct {
	backend Backend
	logger  *slog.Logger
	baseURL string
}

// NewProxyService creates a ProxyService for the configured backend base URL.
func NewProxyService(b Backend, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend base_url %q is not absolute", cfg.Backend.BaseURL)
	}

	return &ProxyService{
		backend: b,
		logger:  logger.With("component", "proxy_service"),
		baseURL: strings.TrimRight(cfg.Backend.BaseURL, "/"),
	}, nil
}

// Forward makes the single backend call for in and shapes the reply.
// Errors are either ErrMissingPathParam, ErrInvalidPathParam or
// ErrInvalidBody (no call made) or a wrapped transport failure.
func (s *ProxyService) Forward(ctx context.Context, r *route.Route, in *model.InboundRequest) (*model.Outcome, error) {
	path, err := r.Resolve(in.PathParams)
	if err != nil {
		if errors.Is(err, route.ErrInvalidParam) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPathParam, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMissingPathParam, err)
	}

	var body []byte
	if r.ForwardBody {
		body, err = compactJSON(in.Body)
		if err != nil {
			return nil, err
		}
	}

	out := &model.OutboundRequest{
		Route:  r.Name,
		Method: r.Method,
		URL:    s.buildBackendURL(path, r.RawQuery(in.RawQuery, in.Query)),
		Header: buildHeaders(in.Header, body != nil),
		Body:   body,
	}

	s.logger.Debug("forwarding request",
		"route", r.Name,
		"method", r.Method,
		"path", path,
		"authorized", out.Header.Get("Authorization") != "",
	)

	resp, err := s.backend.Do(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", r.Name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("backend response", "route", r.Name, "status", resp.StatusCode)
		return &model.Outcome{StatusCode: resp.StatusCode, Body: unwrapData(resp.Payload)}, nil
	}

	msg := errorMessage(r, resp)
	s.logger.Warn("backend error",
		"route", r.Name,
		"status", resp.StatusCode,
		"error", msg,
	)

	return &model.Outcome{
		StatusCode: resp.StatusCode,
		Body: model.ErrorBody{
			Error:         msg,
			BackendStatus: resp.StatusCode,
			BackendError:  resp.Payload,
		},
	}, nil
}

// buildBackendURL joins the base URL with an already-escaped path and query.
func (s *ProxyService) buildBackendURL(path, rawQuery string) string {
	u := s.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// buildHeaders returns the only headers sent to the backend.
func buildHeaders(src http.Header, hasBody bool) http.Header {
	dst := make(http.Header)
	dst.Set("Accept", "application/json")
	dst.Set("User-Agent", userAgent)
	if auth := src.Get("Authorization"); auth != "" {
		dst.Set("Authorization", auth)
	}
	if hasBody {
		dst.Set("Content-Type", "application/json")
	}
	return dst
}

// compactJSON validates raw as a single JSON value and re-serializes it.
func compactJSON(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: body is empty", ErrInvalidBody)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return buf.Bytes(), nil
}

// unwrapData returns payload["data"] when payload is an object with a data
// key, and payload otherwise.
func unwrapData(payload any) any {
	if obj, ok := payload.(map[string]any); ok {
		if data, ok := obj["data"]; ok {
			return data
		}
	}
	return payload
}

// errorMessage picks the client-facing text for a non-2xx backend response.
func errorMessage(r *route.Route, resp *model.BackendResponse) string {
	obj, _ := resp.Payload.(map[string]any)

	if r.ValidationDetail && resp.StatusCode == http.StatusUnprocessableEntity {
		if items, ok := obj["detail"].([]any); ok {
			if msg := formatValidation(items); msg != "" {
				return "Validation error: " + msg
			}
		}
	}

	if msg, ok := r.Message(resp.StatusCode); ok {
		return msg
	}
	if s, ok := obj["detail"].(string); ok && s != "" {
		return s
	}
	if s, ok := obj["message"].(string); ok && s != "" {
		return s
	}
	return r.DefaultError
}

// formatValidation renders [{loc: ["body","email"], msg: "invalid"}] as
// "body.email: invalid", joining items with ", ".
func formatValidation(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, _ := obj["msg"].(string)
		if msg == "" {
			continue
		}
		var loc []string
		if segs, ok := obj["loc"].([]any); ok {
			for _, seg := range segs {
				loc = append(loc, fmt.Sprint(seg))
			}
		}
		if len(loc) == 0 {
			parts = append(parts, msg)
			continue
		}
		parts = append(parts, strings.Join(loc, ".")+": "+msg)
	}
	return strings.Join(parts, ", ")
}

// ErrorMessage is the single normalization rule for transport failures: the
// innermost *url.Error cause when there is one, so backend URLs never reach
// clients, and err.Error() otherwise.
func ErrorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
