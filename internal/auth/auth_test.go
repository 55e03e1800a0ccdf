package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func principalHeader(t *testing.T, p Principal) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestValidate_BypassAcceptsEverything(t *testing.T) {
	v := NewValidator(true, nil)
	r := httptest.NewRequest("POST", "/api/start_job", nil)

	p, err := v.Validate(r)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", p.UserID)
}

func TestValidate_MissingHeader(t *testing.T) {
	v := NewValidator(false, nil)
	r := httptest.NewRequest("POST", "/api/start_job", nil)

	_, err := v.Validate(r)
	assert.ErrorIs(t, err, ErrMissingPrincipal)
}

func TestValidate_InvitedRole(t *testing.T) {
	v := NewValidator(false, nil)
	r := httptest.NewRequest("POST", "/api/start_job", nil)
	r.Header.Set(HeaderPrincipal, principalHeader(t, Principal{
		UserID: "u1",
		Email:  "someone@example.com",
		Roles:  []string{"anonymous", "authenticated", RoleInvited},
	}))

	p, err := v.Validate(r)
	require.NoError(t, err)
	assert.Equal(t, "someone@example.com", p.Email)
}

func TestValidate_AllowListIsCaseInsensitive(t *testing.T) {
	v := NewValidator(false, []string{"Admin@Example.COM"})
	r := httptest.NewRequest("POST", "/api/start_job", nil)
	r.Header.Set(HeaderPrincipal, principalHeader(t, Principal{
		UserID: "u2",
		Email:  "admin@example.com",
		Roles:  []string{"authenticated"},
	}))

	_, err := v.Validate(r)
	assert.NoError(t, err)
}

func TestValidate_RejectsUnknownPrincipal(t *testing.T) {
	v := NewValidator(false, []string{"admin@example.com"})
	r := httptest.NewRequest("POST", "/api/start_job", nil)
	r.Header.Set(HeaderPrincipal, principalHeader(t, Principal{
		UserID: "u3",
		Email:  "stranger@example.com",
		Roles:  []string{"authenticated"},
	}))

	_, err := v.Validate(r)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestValidate_MalformedHeader(t *testing.T) {
	v := NewValidator(false, nil)

	r := httptest.NewRequest("POST", "/api/start_job", nil)
	r.Header.Set(HeaderPrincipal, "not base64 !!!")
	_, err := v.Validate(r)
	assert.Error(t, err)

	r = httptest.NewRequest("POST", "/api/start_job", nil)
	r.Header.Set(HeaderPrincipal, base64.StdEncoding.EncodeToString([]byte("not json")))
	_, err = v.Validate(r)
	assert.Error(t, err)
}
