package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti-tool-provider/internal/rbac"
)

type credential struct {
	user     string
	passHash string // bcrypt
	role     string
}

// AuthService issues and validates the admin API's session tokens. Each
// registered credential carries the role its logins receive.
type AuthService struct {
	hmac  []byte
	creds []credential
}

func NewAuthService(secret, adminUser, adminPassHash string) *AuthService {
	return &AuthService{
		hmac:  []byte(secret),
		creds: []credential{{user: adminUser, passHash: adminPassHash, role: "admin"}},
	}
}

// AddOperator registers a read-only login. Empty values are ignored so the
// operator account stays optional.
func (a *AuthService) AddOperator(user, passHash string) {
	if user == "" || passHash == "" {
		return
	}
	a.creds = append(a.creds, credential{user: user, passHash: passHash, role: "operator"})
}

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(sub, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Sub:  sub,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lti-tool-provider",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(8 * time.Hour)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	})
	if err != nil || !token.Valid {
		return nil, err
	}
	c, _ := token.Claims.(*Claims)
	return c, nil
}

// POST /auth/login  { "username": "...", "password": "..." }
func LoginHandler(a *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		for _, c := range a.creds {
			if req.Username != c.user ||
				bcrypt.CompareHashAndPassword([]byte(c.passHash), []byte(req.Password)) != nil {
				continue
			}
			tok, err := a.IssueJWT(c.user, c.role)
			if err != nil {
				http.Error(w, "issue token", 500)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok})
			return
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}
}

func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			claims, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			ctx := WithSubject(r.Context(), claims.Sub)
			ctx = rbac.WithRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
