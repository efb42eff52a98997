// Package route defines the forwarding route table: which inbound endpoint maps
// to which backend path, and how that route reports backend errors.
package route

import (
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ErrMissingParam is matched by the *MissingParamError returned from Resolve.
var ErrMissingParam = errors.New("missing path parameter")

// MissingParamError names the placeholder that had no value.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return ErrMissingParam.Error() + ": " + e.Name
}

// Is reports whether target is ErrMissingParam.
func (e *MissingParamError) Is(target error) bool {
	return target == ErrMissingParam
}

// ErrInvalidParam is matched by the *InvalidParamError returned from Resolve.
var ErrInvalidParam = errors.New("invalid path parameter")

// InvalidParamError names a placeholder whose value would change the shape of
// the backend path.
type InvalidParamError struct {
	Name  string
	Value string
}

func (e *InvalidParamError) Error() string {
	return ErrInvalidParam.Error() + ": " + e.Name
}

// Is reports whether target is ErrInvalidParam.
func (e *InvalidParamError) Is(target error) bool {
	return target == ErrInvalidParam
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Route describes one forwarded endpoint.
type Route struct {
	Name   string
	Method string

	// Path is the inbound echo pattern, e.g. /api/datasets/:datasetId.
	Path string

	// BackendPath is appended to the backend base URL; {name} placeholders are
	// filled from the inbound path parameters.
	BackendPath string

	ForwardBody  bool
	ForwardQuery bool
	DefaultQuery map[string]string

	// DefaultError is used when the backend gives no detail or message.
	DefaultError string

	// Resource names the entity for the generic 404 message.
	Resource string

	// ValidationDetail renders 422 responses whose detail is a list of
	// {loc, msg} items as "loc: msg, ...".
	ValidationDetail bool

	// Messages overrides the error text per backend status code.
	Messages map[int]string
}

// Placeholders returns the placeholder names in BackendPath, in order.
func (r *Route) Placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(r.BackendPath, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Resolve fills BackendPath placeholders with path-escaped parameter values.
// Dot segments are rejected: url.PathEscape keeps them, and the backend would
// resolve them into a path outside the table.
func (r *Route) Resolve(params map[string]string) (string, error) {
	var failure error
	resolved := placeholderPattern.ReplaceAllStringFunc(r.BackendPath, func(ph string) string {
		name := ph[1 : len(ph)-1]
		v := strings.TrimSpace(params[name])
		switch {
		case failure != nil:
			return ph
		case v == "":
			failure = &MissingParamError{Name: name}
			return ph
		case v == "." || v == "..":
			failure = &InvalidParamError{Name: name, Value: v}
			return ph
		}
		return url.PathEscape(v)
	})
	if failure != nil {
		return "", failure
	}
	return resolved, nil
}

// Query builds the outbound query string values. Inbound values are copied
// only when the route forwards queries; defaults fill absent or empty keys.
func (r *Route) Query(inbound url.Values) url.Values {
	q := make(url.Values)
	if r.ForwardQuery {
		for k, v := range inbound {
			q[k] = append([]string(nil), v...)
		}
	}
	for k, v := range r.DefaultQuery {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	return q
}

// RawQuery returns the outbound query string. The inbound query is sent
// byte-for-byte when the route forwards it and no default has to be filled;
// otherwise, or when inboundRaw is empty, the merged values from Query are
// encoded.
func (r *Route) RawQuery(inboundRaw string, inbound url.Values) string {
	if inboundRaw != "" && r.ForwardQuery && !r.needsDefaults(inbound) {
		return inboundRaw
	}
	return r.Query(inbound).Encode()
}

func (r *Route) needsDefaults(inbound url.Values) bool {
	for k := range r.DefaultQuery {
		if inbound.Get(k) == "" {
			return true
		}
	}
	return false
}

// EmptyParamPath returns Path with its trailing :param segment left empty,
// e.g. /api/datasets/ for /api/datasets/:datasetId, so a request that omits
// the last parameter still reaches the handler. ok is false when Path does
// not end in a parameter.
func (r *Route) EmptyParamPath() (string, bool) {
	i := strings.LastIndex(r.Path, "/")
	if i < 0 || !strings.HasPrefix(r.Path[i+1:], ":") {
		return "", false
	}
	return r.Path[:i+1], true
}

// Message returns the status-specific error text for this route, and false
// when the backend's own message should be used.
func (r *Route) Message(status int) (string, bool) {
	if msg, ok := r.Messages[status]; ok {
		return msg, true
	}
	switch status {
	case http.StatusUnauthorized:
		return "Authentication failed. Your session may have expired; please sign in again.", true
	case http.StatusForbidden:
		return "Access denied. You do not have permission to perform this action.", true
	case http.StatusNotFound:
		resource := r.Resource
		if resource == "" {
			resource = "Resource"
		}
		return resource + " not found.", true
	}
	return "", false
}

// inboundParams returns the :param names of the inbound echo pattern.
func (r *Route) inboundParams() map[string]bool {
	params := make(map[string]bool)
	for _, seg := range strings.Split(r.Path, "/") {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = true
		}
	}
	return params
}
