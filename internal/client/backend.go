// Package client provides the HTTP client for the Civic Data Trust backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"civic-data-gateway/internal/config"
	"civic-data-gateway/internal/metrics"
	"civic-data-gateway/internal/model"
	"civic-data-gateway/internal/tracing"
)

// BackendClient sends requests to the backend and classifies the replies.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics and tracer parameters are optional; pass nil to disable them.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer) *BackendClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return NewBackendClientWithTransport(cfg, logger, m, tr, transport)
}

// NewBackendClientWithTransport is NewBackendClient with a caller-supplied
// transport.
func NewBackendClientWithTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer, rt http.RoundTripper) *BackendClient {
	if tr == nil {
		tr = tracing.Noop()
	}
	return &BackendClient{
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
		tracer:  tr,
	}
}

// Do performs exactly one backend call and returns the classified response.
// A non-nil error means no response was received.
func (c *BackendClient) Do(ctx context.Context, out *model.OutboundRequest) (*model.BackendResponse, error) {
	ctx, span := c.tracer.Start(ctx, "backend "+out.Route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", out.Method),
			attribute.String("gateway.route", out.Route),
		),
	)
	defer span.End()

	var body io.Reader
	if out.Body != nil {
		body = bytes.NewReader(out.Body)
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = out.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.Debug("backend request",
		"route", out.Route,
		"method", out.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.BackendDuration.WithLabelValues(out.Route).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendFailures.WithLabelValues(out.Route).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.BackendResponses.WithLabelValues(out.Route, strconv.Itoa(resp.StatusCode)).Inc()
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	return &model.BackendResponse{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Payload:     classify(contentType, raw),
	}, nil
}

// classify decodes JSON bodies and wraps anything else as {"message": text}.
// A JSON content type with an undecodable body is treated as text.
func classify(contentType string, raw []byte) any {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		var payload any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&payload); err == nil && !dec.More() {
			return payload
		}
	}
	return map[string]any{"message": string(raw)}
}
