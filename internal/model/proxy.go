// Package model defines request-scoped types shared by the gateway layers.
package model

import (
	"net/http"
	"net/url"
)

// InboundRequest is the part of a client request the forwarder needs.
type InboundRequest struct {
	PathParams map[string]string
	Query      url.Values
	RawQuery   string // as received, without the leading '?'
	Header     http.Header
	Body       []byte
}

// OutboundRequest is the single call made to the backend for one inbound request.
type OutboundRequest struct {
	Route  string // route name, used for metrics and spans
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// BackendResponse is a classified backend reply. Payload holds decoded JSON,
// or {"message": text} when the body was not JSON.
type BackendResponse struct {
	StatusCode  int
	ContentType string
	Payload     any
}

// Outcome is what the gateway returns to the client.
type Outcome struct {
	StatusCode int
	Body       any
}

// ErrorBody is the uniform error shape returned to clients.
type ErrorBody struct {
	Error         string `json:"error"`
	BackendStatus int    `json:"backendStatus,omitempty"`
	BackendError  any    `json:"backendError,omitempty"`
}
