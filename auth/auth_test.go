package auth

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

func setupTestService(t *testing.T) *AuthService {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := InitializeSchema(db); err != nil {
		t.Fatal(err)
	}
	s := NewAuthService(db, "test-secret")
	s.cost = bcrypt.MinCost
	return s
}

func TestEnsureAdminOnce(t *testing.T) {
	s := setupTestService(t)
	if err := s.EnsureAdmin("hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureAdmin("other"); err != nil {
		t.Fatal(err)
	}
	users, err := s.ListUsers()
	if err != nil || len(users) != 1 || users[0].Username != DefaultUser {
		t.Fatalf("users = %v, %v", users, err)
	}
	if _, err := s.Login(DefaultUser, "hunter2"); err != nil {
		t.Errorf("Login() = %v", err)
	}
}

func TestLoginAndVerify(t *testing.T) {
	s := setupTestService(t)
	s.Register("ana", "pw")

	if _, err := s.Login("ana", "wrong"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("wrong password = %v", err)
	}
	if _, err := s.Login("nobody", "pw"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("unknown user = %v", err)
	}

	tok, err := s.Login("ana", "pw")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.VerifyToken(tok)
	if err != nil || claims.Username != "ana" {
		t.Fatalf("VerifyToken() = %v, %v", claims, err)
	}

	other := NewAuthService(s.db, "different")
	if _, err := other.VerifyToken(tok); err == nil {
		t.Error("token verified with the wrong secret")
	}
}

func TestExpiredToken(t *testing.T) {
	s := setupTestService(t)
	claims := &Claims{Username: "ana", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if _, err := s.VerifyToken(tok); err == nil {
		t.Error("expired token accepted")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s := setupTestService(t)
	if err := s.Register("ana", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("ana", "pw"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate = %v", err)
	}
	if err := s.Register("", "pw"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("empty name = %v", err)
	}
}

func TestSetPassword(t *testing.T) {
	s := setupTestService(t)
	s.Register("ana", "old")
	if err := s.SetPassword("ana", "new"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Login("ana", "new"); err != nil {
		t.Errorf("Login(new) = %v", err)
	}
	if err := s.SetPassword("bob", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("SetPassword(unknown) = %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s := setupTestService(t)
	s.Register("ana", "pw")
	if err := s.DeleteUser("ana"); !errors.Is(err, ErrLastUser) {
		t.Errorf("delete last = %v", err)
	}
	s.Register("bob", "pw")
	if err := s.DeleteUser("ana"); err != nil {
		t.Errorf("DeleteUser() = %v", err)
	}
	if err := s.DeleteUser("zed"); err == nil {
		t.Error("deleting the last remaining user should fail")
	}
}

func TestRequire(t *testing.T) {
	s := setupTestService(t)
	s.Register("ana", "pw")
	tok, _ := s.Login("ana", "pw")

	h := s.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		if !ok {
			t.Error("claims missing from context")
			return
		}
		w.Write([]byte(c.Username))
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"none", func(*http.Request) {}, http.StatusUnauthorized},
		{"bad", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookie, Value: tok}) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/config", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d; want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && rec.Body.String() != "ana" {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}
