package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type fakeRefresher struct {
	token string
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(context.Context, string) (string, error) {
	f.calls++
	return f.token, f.err
}

func TestProvider_ValidTokenShortCircuits(t *testing.T) {
	svc := NewJWTService("secret", 60)
	token, err := svc.Generate(uuid.New(), "candidate@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ref := &fakeRefresher{token: "should-not-be-used"}
	p := NewProvider(svc, ref, "api-key", nil)
	p.SetToken(token)

	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Scheme != SchemeBearer || creds.Token != token {
		t.Errorf("expected cached bearer token, got %+v", creds)
	}
	if ref.calls != 0 {
		t.Errorf("valid token must not trigger refresh, got %d calls", ref.calls)
	}
}

func TestProvider_ExpiredTokenRefreshes(t *testing.T) {
	svc := NewJWTService("secret", -1) // issues already-expired tokens
	stale, err := svc.Generate(uuid.New(), "candidate@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	freshSvc := NewJWTService("secret", 60)
	fresh, _ := freshSvc.Generate(uuid.New(), "candidate@example.com")

	ref := &fakeRefresher{token: fresh}
	p := NewProvider(svc, ref, "", nil)
	p.SetToken(stale)

	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Scheme != SchemeBearer || creds.Token != fresh {
		t.Errorf("expected refreshed bearer token, got %+v", creds)
	}
	if ref.calls != 1 {
		t.Errorf("expected one refresh call, got %d", ref.calls)
	}

	// The refreshed token is cached for the next resolution.
	if _, err := p.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if ref.calls != 1 {
		t.Errorf("refreshed token must be cached, got %d refresh calls", ref.calls)
	}
}

func TestProvider_APIKeyFallback(t *testing.T) {
	svc := NewJWTService("secret", 60)
	ref := &fakeRefresher{err: errors.New("identity service down")}
	p := NewProvider(svc, ref, "static-api-key", nil)

	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Scheme != SchemeAPIKey || creds.Token != "static-api-key" {
		t.Errorf("expected API key fallback, got %+v", creds)
	}
}

func TestProvider_AuthUnavailable(t *testing.T) {
	svc := NewJWTService("secret", 60)
	p := NewProvider(svc, &fakeRefresher{err: errors.New("down")}, "", nil)

	_, err := p.Credentials(context.Background())
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got %v", err)
	}
}

func TestCredentials_Apply(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	Credentials{Scheme: SchemeBearer, Token: "tok"}.Apply(req)
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("unexpected Authorization header %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	Credentials{Scheme: SchemeAPIKey, Token: "key"}.Apply(req)
	if got := req.Header.Get("X-API-Key"); got != "key" {
		t.Errorf("unexpected X-API-Key header %q", got)
	}
}

func TestRefreshClient_Refresh(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"flat token field", `{"token":"fresh-token"}`, "fresh-token"},
		{"enveloped token field", `{"success":true,"data":{"token":"wrapped-token"}}`, "wrapped-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewRefreshClient(srv.URL, nil).Refresh(context.Background(), "stale")
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if got != tt.want {
				t.Errorf("Refresh = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRefreshClient_RejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewRefreshClient(srv.URL, nil).Refresh(context.Background(), "stale"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestJWTService_ValidateExpired(t *testing.T) {
	svc := NewJWTService("secret", -1)
	userID := uuid.New()
	token, err := svc.Generate(userID, "candidate@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := svc.Validate(token); err == nil {
		t.Fatal("expired token must fail strict validation")
	}

	claims, err := svc.ValidateExpired(token)
	if err != nil {
		t.Fatalf("ValidateExpired: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("expected claims to survive, got %+v", claims)
	}

	// A token signed with a different secret is rejected either way.
	other, _ := NewJWTService("other-secret", 60).Generate(uuid.New(), "x@example.com")
	if _, err := svc.ValidateExpired(other); err == nil {
		t.Fatal("foreign signature must be rejected")
	}
}
