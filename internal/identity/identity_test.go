package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	tenant, user, username string
}

func serve(t *testing.T, repo store.Repository, req *http.Request) (*httptest.ResponseRecorder, seen) {
	t.Helper()
	var got seen
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = seen{
			tenant:   TenantIDFromContext(r.Context()),
			user:     UserIDFromContext(r.Context()),
			username: UsernameFromContext(r.Context()),
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "id.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(TenantHeaderName, "acme")
	rec, got := serve(t, repo, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, isValidAnonID(got.user))
	assert.Equal(t, "acme", got.tenant)
	assert.Equal(t, deriveUsername(got.user), got.username)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, got.user, cookies[0].Value)

	user, err := repo.GetUser(req.Context(), got.user)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "acme", user.TenantID)

	// The same cookie keeps the same identity.
	again := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	again.AddCookie(cookies[0])
	_, second := serve(t, repo, again)
	assert.Equal(t, got.user, second.user)
	assert.Equal(t, DefaultTenantIDValue, second.tenant)
}

func TestSanitizeTenantID(t *testing.T) {
	tests := map[string]string{
		"":                 DefaultTenantIDValue,
		"  acme  ":         "acme",
		"team.one:eu-1":    "team.one:eu-1",
		"bad tenant":       DefaultTenantIDValue,
		"../../etc/passwd": DefaultTenantIDValue,
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeTenantID(in), "input %q", in)
	}
}

func TestInvalidCookieIsReplaced(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "id.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "forged"})
	_, got := serve(t, repo, req)
	assert.NotEqual(t, "forged", got.user)
	assert.True(t, isValidAnonID(got.user))
}
