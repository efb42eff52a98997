package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"civic-data-gateway/internal/middleware"
	"civic-data-gateway/internal/model"
	"civic-data-gateway/internal/route"
	"civic-data-gateway/internal/service"
)

// Forwarder is the forwarding contract; *service.ProxyService implements it.
type Forwarder interface {
	Forward(ctx context.Context, r *route.Route, in *model.InboundRequest) (*model.Outcome, error)
}

// ProxyHandler serves table routes by forwarding them to the backend.
type ProxyHandler struct {
	forwarder Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return newProxyHandler(svc, logger)
}

func newProxyHandler(f Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// For returns the echo handler for one route.
func (h *ProxyHandler) For(r route.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(middleware.RouteNameKey, r.Name)
		req := c.Request()

		in := &model.InboundRequest{
			PathParams: pathParams(c),
			Query:      req.URL.Query(),
			RawQuery:   req.URL.RawQuery,
			Header:     req.Header,
		}
		if r.ForwardBody && req.Body != nil {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				// BodyLimit reports oversized bodies through its own error.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return he
				}
				return h.mapError(c, r, err)
			}
			in.Body = body
		}

		out, err := h.forwarder.Forward(req.Context(), &r, in)
		if err != nil {
			return h.mapError(c, r, err)
		}

		switch out.StatusCode {
		case http.StatusNoContent, http.StatusNotModified:
			return c.NoContent(out.StatusCode)
		}
		return c.JSON(out.StatusCode, out.Body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, r route.Route, err error) error {
	var missing *route.MissingParamError
	if errors.As(err, &missing) {
		return c.JSON(http.StatusBadRequest, model.ErrorBody{
			Error: "Missing required path parameter: " + missing.Name,
		})
	}

	var invalid *route.InvalidParamError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, model.ErrorBody{
			Error: "Invalid path parameter: " + invalid.Name,
		})
	}

	if errors.Is(err, service.ErrInvalidBody) {
		return c.JSON(http.StatusBadRequest, model.ErrorBody{
			Error: "Invalid JSON request body",
		})
	}

	msg := service.ErrorMessage(err)
	h.logger.Error("proxy error",
		"route", r.Name,
		"err", msg,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, model.ErrorBody{
		Error: "Proxy error: " + msg,
	})
}

// pathParams returns decoded path parameters. Echo routes on RawPath when the
// request has one and then hands out escaped values; otherwise the values
// are already decoded and must not be decoded again.
func pathParams(c echo.Context) map[string]string {
	escaped := c.Request().URL.RawPath != ""
	names := c.ParamNames()
	params := make(map[string]string, len(names))
	for _, name := range names {
		v := c.Param(name)
		if escaped {
			if unescaped, err := url.PathUnescape(v); err == nil {
				v = unescaped
			}
		}
		params[name] = v
	}
	return params
}
