package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti-tool-provider/internal/rbac"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	adminHash, err := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	opHash, err := bcrypt.GenerateFromPassword([]byte("op-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuthService("hmac-secret", "root", string(adminHash))
	a.AddOperator("viewer", string(opHash))
	return a
}

func login(t *testing.T, a *AuthService, user, pass string) (string, int) {
	t.Helper()
	body := `{"username":"` + user + `","password":"` + pass + `"}`
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	LoginHandler(a)(w, r)
	if w.Code != http.StatusOK {
		return "", w.Code
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp["access_token"], w.Code
}

func TestLoginIssuesRoleScopedTokens(t *testing.T) {
	a := newTestAuth(t)

	tok, code := login(t, a, "root", "admin-pass")
	if code != http.StatusOK {
		t.Fatalf("admin login: status = %d", code)
	}
	claims, err := a.Parse(tok)
	if err != nil || claims.Sub != "root" || claims.Role != "admin" {
		t.Fatalf("admin claims = %+v (%v)", claims, err)
	}

	tok, code = login(t, a, "viewer", "op-pass")
	if code != http.StatusOK {
		t.Fatalf("operator login: status = %d", code)
	}
	claims, err = a.Parse(tok)
	if err != nil || claims.Sub != "viewer" || claims.Role != "operator" {
		t.Fatalf("operator claims = %+v (%v)", claims, err)
	}

	if _, code := login(t, a, "viewer", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d", code)
	}
	if _, code := login(t, a, "nobody", "admin-pass"); code != http.StatusUnauthorized {
		t.Errorf("unknown user: status = %d", code)
	}
}

func TestJWTMiddlewareAttachesSubjectAndRole(t *testing.T) {
	a := newTestAuth(t)
	tok, _ := login(t, a, "viewer", "op-pass")

	var gotSub, gotRole string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub = SubjectFromContext(r.Context())
		gotRole = rbac.RoleFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/admin/consumers", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotSub != "viewer" || gotRole != "operator" {
		t.Errorf("context = (%q, %q)", gotSub, gotRole)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/consumers", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing bearer: status = %d", w.Code)
	}
}
