// Package auth validates the client principal header that a fronting
// edge (static web app, reverse proxy) injects on each request.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// HeaderPrincipal is the request header carrying the base64-encoded
// JSON principal.
const HeaderPrincipal = "X-Client-Principal"

// RoleInvited is the role that grants access to the provisioning API.
const RoleInvited = "invited"

var (
	ErrMissingPrincipal = errors.New("missing client principal")
	ErrNotAuthorized    = errors.New("principal not authorized")
)

// Principal identifies the caller as asserted by the fronting edge.
type Principal struct {
	UserID string   `json:"userId"`
	Email  string   `json:"userDetails"`
	Roles  []string `json:"userRoles"`
}

// Validator decides whether a request may use the provisioning API.
type Validator struct {
	bypass  bool
	allowed map[string]struct{} // lowercased emails
}

// NewValidator creates a Validator. With bypass set every request is
// accepted as an anonymous principal, for local and dry-run use.
func NewValidator(bypass bool, allowedEmails []string) *Validator {
	allowed := make(map[string]struct{}, len(allowedEmails))
	for _, e := range allowedEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Validator{bypass: bypass, allowed: allowed}
}

// Validate extracts and authorizes the principal on a request. Access
// is granted to principals carrying the invited role or whose email is
// on the allow-list.
func (v *Validator) Validate(r *http.Request) (*Principal, error) {
	if v.bypass {
		return &Principal{UserID: "anonymous"}, nil
	}

	raw := r.Header.Get(HeaderPrincipal)
	if raw == "" {
		return nil, ErrMissingPrincipal
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode principal header: %w", err)
	}

	var p Principal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse principal header: %w", err)
	}

	if slices.Contains(p.Roles, RoleInvited) {
		return &p, nil
	}
	if _, ok := v.allowed[strings.ToLower(p.Email)]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, p.Email)
}
