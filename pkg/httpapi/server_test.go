package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFirstValidHeaderPriority pins the documented x-vm-user > x-forwarded-user > x-user
// priority order.
func TestFirstValidHeaderPriority(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("x-user", "low-priority")
	req.Header.Set("x-forwarded-user", "mid-priority")
	req.Header.Set("x-vm-user", "high-priority")

	name, ok := firstValidHeader(req, "x-vm-user", "x-forwarded-user", "x-user")
	assert.True(t, ok)
	assert.Equal(t, "high-priority", name)
}

// TestFirstValidHeaderMissing confirms every named header absent returns ok=false.
func TestFirstValidHeaderMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	_, ok := firstValidHeader(req, "x-vm-user", "x-forwarded-user", "x-user")
	assert.False(t, ok)
}

// TestFirstValidHeaderEmptyStringAccepted pins the documented quirk: an
// empty-string header value is accepted, not treated as missing.
func TestFirstValidHeaderEmptyStringAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("x-vm-user", "")

	name, ok := firstValidHeader(req, "x-vm-user", "x-forwarded-user", "x-user")
	assert.True(t, ok)
	assert.Equal(t, "", name)
}

// TestFirstValidHeaderNonUTF8Rejected pins non-UTF-8 header values as invalid.
func TestFirstValidHeaderNonUTF8Rejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header["X-Vm-User"] = []string{string([]byte{0xff, 0xfe})}

	_, ok := firstValidHeader(req, "x-vm-user")
	assert.False(t, ok)
}

func TestWithAuthMissingUserRejected(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}
	called := false
	handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestWithAuthValidUserPassesThrough(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}
	var captured authUser
	handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		captured = userFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("x-vm-user", "alice")
	req.Header.Set("x-vm-email", "alice@example.com")
	w := httptest.NewRecorder()
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", captured.Name)
	assert.Equal(t, "alice@example.com", captured.Email)
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 301: "3xx", 400: "4xx", 404: "4xx", 500: "5xx"}
	for code, want := range cases {
		assert.Equal(t, want, statusClass(code))
	}
}
