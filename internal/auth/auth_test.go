package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"

	"circlecam/internal/tokenstore"
)

func newTestProvider(t *testing.T, handler http.Handler, seed map[string]*oauth2.Token) (*Provider, *tokenstore.FileStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	if seed != nil {
		if err := store.Save(seed); err != nil {
			t.Fatal(err)
		}
	}

	p, err := New(Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURI:  "http://localhost/callback",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
	}, store)
	if err != nil {
		t.Fatal(err)
	}
	return p, store
}

func tokenHandler(t *testing.T, calls *int, wantGrant string, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if r.Method != http.MethodPost {
			t.Errorf("token endpoint got method %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); wantGrant != "" && got != wantGrant {
			t.Errorf("grant_type = %q, want %q", got, wantGrant)
		}
		if got := r.PostForm.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q, want test-client", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func TestRefreshUnauthorizedFailsFast(t *testing.T) {
	var calls int
	p, _ := newTestProvider(t, tokenHandler(t, &calls, "", 200, `{}`), nil)

	if p.Authorized() {
		t.Fatal("fresh provider should not be authorized")
	}
	err := p.Refresh(context.Background())
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if calls != 0 {
		t.Fatalf("expected no network calls, got %d", calls)
	}
}

func TestAuthorizePersistsExchangedTokens(t *testing.T) {
	var calls int
	handler := tokenHandler(t, &calls, "authorization_code", 200,
		`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	p, store := newTestProvider(t, handler, nil)

	if err := p.Authorize(context.Background(), "the-code"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !p.Authorized() {
		t.Fatal("expected authorized after exchange")
	}
	if got := p.AccessToken(); got != "new-access" {
		t.Fatalf("access token = %q, want new-access", got)
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	tok := persisted["test-client"]
	if tok == nil {
		t.Fatal("no persisted token for client")
	}
	if tok.AccessToken != "new-access" || tok.RefreshToken != "new-refresh" {
		t.Fatalf("persisted tokens = %q/%q, want new-access/new-refresh", tok.AccessToken, tok.RefreshToken)
	}
}

func TestAuthorizeErrorDescription(t *testing.T) {
	var calls int
	handler := tokenHandler(t, &calls, "", 400,
		`{"error":"invalid_grant","error_description":"authorization code expired"}`)
	p, _ := newTestProvider(t, handler, nil)

	err := p.Authorize(context.Background(), "stale-code")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %T %v, want *AuthorizationError", err, err)
	}
	if authErr.Message != "authorization code expired" {
		t.Fatalf("message = %q, want error_description", authErr.Message)
	}
	if p.Authorized() {
		t.Fatal("failed exchange must not authorize the client")
	}
}

func TestAuthorizeGenericErrorMessage(t *testing.T) {
	var calls int
	handler := tokenHandler(t, &calls, "", 500, `{}`)
	p, _ := newTestProvider(t, handler, nil)

	err := p.Authorize(context.Background(), "code")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %T %v, want *AuthorizationError", err, err)
	}
	if authErr.Status != 500 {
		t.Fatalf("status = %d, want 500", authErr.Status)
	}
}

func TestRefreshReplacesTokenPair(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "old-refresh" {
			t.Errorf("refresh_token = %q, want old-refresh", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"rotated-access","refresh_token":"rotated-refresh","token_type":"Bearer"}`))
	})
	seed := map[string]*oauth2.Token{
		"test-client": {AccessToken: "old-access", RefreshToken: "old-refresh"},
	}
	p, store := newTestProvider(t, handler, seed)

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := p.AccessToken(); got != "rotated-access" {
		t.Fatalf("access token = %q, want rotated-access", got)
	}

	persisted, _ := store.Load()
	if persisted["test-client"].RefreshToken != "rotated-refresh" {
		t.Fatal("refresh token was not rotated in the store")
	}
}

func TestRefreshFailureKeepsPriorTokens(t *testing.T) {
	var calls int
	handler := tokenHandler(t, &calls, "refresh_token", 400,
		`{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	seed := map[string]*oauth2.Token{
		"test-client": {AccessToken: "old-access", RefreshToken: "old-refresh"},
	}
	p, store := newTestProvider(t, handler, seed)

	err := p.Refresh(context.Background())
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %T %v, want *AuthorizationError", err, err)
	}

	// Prior tokens remain valid until a later attempt succeeds.
	if got := p.AccessToken(); got != "old-access" {
		t.Fatalf("access token = %q, want old-access", got)
	}
	persisted, _ := store.Load()
	if persisted["test-client"].RefreshToken != "old-refresh" {
		t.Fatal("failed refresh must not touch the persisted tokens")
	}
}

func TestTokenExchangeDoesNotBuildAPISession(t *testing.T) {
	var calls int
	handler := tokenHandler(t, &calls, "", 200,
		`{"access_token":"a","refresh_token":"r","token_type":"Bearer"}`)
	p, _ := newTestProvider(t, handler, nil)

	if err := p.Authorize(context.Background(), "code"); err != nil {
		t.Fatal(err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Token endpoint traffic runs on its own client; the API session is
	// created only when a request actually needs it.
	p.mu.Lock()
	session, exchange := p.session, p.exchange
	p.mu.Unlock()
	if session != nil {
		t.Fatal("token operations must not materialize the API session")
	}
	if exchange == nil {
		t.Fatal("exchange client should be retained for reuse")
	}
}

type fakeSub struct {
	open        bool
	invalidated int
}

func (f *fakeSub) Invalidate() { f.invalidated++ }
func (f *fakeSub) IsOpen() bool { return f.open }

func TestCloseInvalidatesOpenSubscriptions(t *testing.T) {
	var calls int
	p, _ := newTestProvider(t, tokenHandler(t, &calls, "", 200, `{}`), nil)

	openSub := &fakeSub{open: true}
	idleSub := &fakeSub{open: false}
	p.Register(openSub)
	p.Register(idleSub)

	p.Close()
	if openSub.invalidated != 1 {
		t.Fatalf("open subscription invalidated %d times, want 1", openSub.invalidated)
	}
	if idleSub.invalidated != 0 {
		t.Fatalf("idle subscription invalidated %d times, want 0", idleSub.invalidated)
	}

	// Closing twice is a no-op.
	p.Close()
	if openSub.invalidated != 1 {
		t.Fatal("second close must not re-invalidate")
	}
}

func TestClearAuthorization(t *testing.T) {
	var calls int
	seed := map[string]*oauth2.Token{
		"test-client": {AccessToken: "a", RefreshToken: "r"},
	}
	p, store := newTestProvider(t, tokenHandler(t, &calls, "", 200, `{}`), seed)

	if !p.Authorized() {
		t.Fatal("seeded provider should be authorized")
	}
	if err := p.ClearAuthorization(); err != nil {
		t.Fatal(err)
	}
	if p.Authorized() {
		t.Fatal("expected unauthorized after clear")
	}
	persisted, _ := store.Load()
	if _, ok := persisted["test-client"]; ok {
		t.Fatal("tokens still persisted after clear")
	}
}
