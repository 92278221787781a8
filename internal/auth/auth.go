// Package auth decides what a connection may do with a document.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Role is a connection's permission on one document.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	}
	return "none"
}

// ParseRole maps a role name to a Role. Unknown names are an error.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return RoleNone, nil
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// CanJoin reports whether the role admits a connection at all.
func (r Role) CanJoin() bool {
	return r >= RoleViewer
}

// ReadOnly reports whether the role may only observe.
func (r Role) ReadOnly() bool {
	return r == RoleViewer
}

// Authorizer resolves the role of an incoming websocket request. It runs
// before the upgrade.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request, documentID string) (Role, error)
}

// Static grants the same role to every request.
type Static struct {
	Role Role
}

func (s Static) Authorize(context.Context, *http.Request, string) (Role, error) {
	return s.Role, nil
}

// HTTPAuthorizer asks the surrounding application for the role. It sends a
// GET to URL with the document id in the doc query parameter, forwarding the
// request's Cookie and Authorization headers, and expects {"role": "..."}.
// 401, 403 and 404 answers deny access.
type HTTPAuthorizer struct {
	URL    string
	Client *http.Client
}

func NewHTTPAuthorizer(endpoint string) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		URL:    endpoint,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

type roleResponse struct {
	Role string `json:"role"`
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, r *http.Request, documentID string) (Role, error) {
	u, err := url.Parse(a.URL)
	if err != nil {
		return RoleNone, fmt.Errorf("invalid authorizer url: %w", err)
	}
	q := u.Query()
	q.Set("doc", documentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RoleNone, err
	}
	for _, h := range []string{"Cookie", "Authorization"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return RoleNone, fmt.Errorf("authorizer request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return RoleNone, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return RoleNone, fmt.Errorf("authorizer returned %s", resp.Status)
	}

	var body roleResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return RoleNone, fmt.Errorf("decode authorizer response: %w", err)
	}
	return ParseRole(body.Role)
}
