package route

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"civic-data-gateway/internal/config"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// builtin is the gateway's fixed route set.
var builtin = []Route{
	{
		Name: "auth.login", Method: http.MethodPost,
		Path: "/api/auth/login", BackendPath: "/auth/login",
		ForwardBody:  true,
		DefaultError: "Login failed",
		Messages: map[int]string{
			http.StatusUnauthorized: "Invalid email or password. Please sign in again.",
		},
	},
	{
		Name: "auth.signup", Method: http.MethodPost,
		Path: "/api/auth/signup", BackendPath: "/auth/signup",
		ForwardBody:      true,
		DefaultError:     "Signup failed",
		ValidationDetail: true,
	},
	{
		Name: "auth.refresh", Method: http.MethodPost,
		Path: "/api/auth/refresh", BackendPath: "/auth/refresh",
		ForwardBody:  true,
		DefaultError: "Token refresh failed",
	},
	{
		Name: "users.me", Method: http.MethodGet,
		Path: "/api/users/me", BackendPath: "/users/me",
		DefaultError: "Failed to fetch user profile",
		Resource:     "User",
	},
	{
		Name: "users.update", Method: http.MethodPut,
		Path: "/api/users/:userId", BackendPath: "/users/{userId}",
		ForwardBody:  true,
		DefaultError: "Failed to update user",
		Resource:     "User",
	},
	{
		Name: "datasets.list", Method: http.MethodGet,
		Path: "/api/datasets", BackendPath: "/datasets",
		ForwardQuery: true,
		DefaultError: "Failed to fetch datasets",
		Resource:     "Datasets",
	},
	{
		Name: "datasets.get", Method: http.MethodGet,
		Path: "/api/datasets/:datasetId", BackendPath: "/datasets/{datasetId}",
		DefaultError: "Failed to fetch dataset",
		Resource:     "Dataset",
	},
	{
		Name: "datasets.create", Method: http.MethodPost,
		Path: "/api/datasets", BackendPath: "/datasets",
		ForwardBody:  true,
		DefaultError: "Failed to create dataset",
	},
	{
		Name: "datasets.delete", Method: http.MethodDelete,
		Path: "/api/datasets/:datasetId", BackendPath: "/datasets/{datasetId}",
		DefaultError: "Failed to delete dataset",
		Resource:     "Dataset",
	},
	{
		Name: "activity_logs.list", Method: http.MethodGet,
		Path: "/api/activity-logs", BackendPath: "/activity-logs",
		ForwardQuery: true,
		DefaultQuery: map[string]string{"pageNumber": "1", "limit": "10"},
		DefaultError: "Failed to fetch activity logs",
		Resource:     "Activity logs",
	},
	{
		Name: "communities.join_requests", Method: http.MethodGet,
		Path:         "/api/communities/:communityId/join-requests",
		BackendPath:  "/communities/{communityId}/join-requests",
		ForwardQuery: true,
		DefaultError: "Failed to fetch join requests",
		Resource:     "Community",
	},
	{
		Name: "communities.post_requests", Method: http.MethodGet,
		Path:         "/api/communities/:communityId/post-requests",
		BackendPath:  "/communities/{communityId}/post-requests",
		ForwardQuery: true,
		DefaultError: "Failed to fetch post requests",
		Resource:     "Community",
	},
	{
		Name: "communities.active_members", Method: http.MethodGet,
		Path:         "/api/communities/:communityId/members/active/count",
		BackendPath:  "/communities/{communityId}/members/active/count",
		DefaultError: "Failed to fetch active member count",
		Resource:     "Community",
	},
	{
		Name: "access_requests.create", Method: http.MethodPost,
		Path: "/api/access-requests", BackendPath: "/access-requests",
		ForwardBody:  true,
		DefaultError: "Failed to submit access request",
		Resource:     "Dataset",
	},
	{
		Name: "access_requests.get", Method: http.MethodGet,
		Path: "/api/access-requests/:requestId", BackendPath: "/access-requests/{requestId}",
		DefaultError: "Failed to fetch access request",
		Resource:     "Access request",
	},
}

// Builtin returns a copy of the built-in routes.
func Builtin() []Route {
	out := make([]Route, len(builtin))
	copy(out, builtin)
	return out
}

// Table is the immutable set of routes the gateway serves.
type Table struct {
	routes []Route
}

// NewTable builds the table from the built-in routes plus any routes declared
// in config.
func NewTable(cfg *config.Config) (*Table, error) {
	routes := Builtin()
	for i, rc := range cfg.Routes {
		r, err := fromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}
	return New(routes...)
}

// New validates routes and returns a Table holding them.
func New(routes ...Route) (*Table, error) {
	names := make(map[string]bool, len(routes))
	endpoints := make(map[string]string, len(routes))

	for i := range routes {
		r := &routes[i]
		r.Method = strings.ToUpper(r.Method)

		if r.Name == "" {
			return nil, fmt.Errorf("route %d: name is required", i)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("route %q: duplicate name", r.Name)
		}
		names[r.Name] = true

		if !allowedMethods[r.Method] {
			return nil, fmt.Errorf("route %q: unsupported method %q", r.Name, r.Method)
		}
		if !strings.HasPrefix(r.Path, "/") || !strings.HasPrefix(r.BackendPath, "/") {
			return nil, fmt.Errorf("route %q: path and backend path must start with '/'", r.Name)
		}

		key := r.Method + " " + r.Path
		if other, ok := endpoints[key]; ok {
			return nil, fmt.Errorf("route %q: %s already served by %q", r.Name, key, other)
		}
		endpoints[key] = r.Name

		for _, seg := range strings.Split(r.BackendPath, "/") {
			if strings.HasPrefix(seg, ":") {
				return nil, fmt.Errorf("route %q: backend path segment %q uses echo syntax; write {%s}", r.Name, seg, seg[1:])
			}
		}

		inbound := r.inboundParams()
		for _, ph := range r.Placeholders() {
			if !inbound[ph] {
				return nil, fmt.Errorf("route %q: placeholder {%s} has no :%s in %s", r.Name, ph, ph, r.Path)
			}
		}
	}

	return &Table{routes: routes}, nil
}

// Routes returns a copy of the table's routes in registration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Lookup returns the route with the given name.
func (t *Table) Lookup(name string) (Route, bool) {
	for _, r := range t.routes {
		if r.Name == name {
			return r, true
		}
	}
	return Route{}, false
}

func fromConfig(rc config.RouteConfig) (Route, error) {
	r := Route{
		Name:             rc.Name,
		Method:           rc.Method,
		Path:             rc.Path,
		BackendPath:      rc.BackendPath,
		ForwardBody:      rc.ForwardBody,
		ForwardQuery:     rc.ForwardQuery,
		DefaultQuery:     rc.DefaultQuery,
		DefaultError:     rc.DefaultError,
		Resource:         rc.Resource,
		ValidationDetail: rc.ValidationDetail,
	}
	if r.DefaultError == "" {
		r.DefaultError = "Request failed"
	}
	if len(rc.Messages) > 0 {
		r.Messages = make(map[int]string, len(rc.Messages))
		for code, msg := range rc.Messages {
			status, err := strconv.Atoi(code)
			if err != nil || status < 100 || status > 599 {
				return Route{}, fmt.Errorf("route %q: messages key %q is not an HTTP status", rc.Name, code)
			}
			r.Messages[status] = msg
		}
	}
	return r, nil
}
