// Package auth owns the OAuth2 lifecycle for the camera API: authorization
// code exchange, refresh, token persistence and the transport session bound
// to the current credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"circlecam/internal/httputil"
	"circlecam/internal/tokenstore"
)

const (
	defaultAuthURL  = "https://accounts.logi.com/identity/oauth2/authorize"
	defaultTokenURL = "https://accounts.logi.com/identity/oauth2/token"
)

// DefaultScopes covers every API surface this library touches.
var DefaultScopes = []string{
	"circle:activities_basic", "circle:activities",
	"circle:accessories", "circle:accessories_ro",
	"circle:live_image", "circle:live",
	"circle:notifications", "circle:summaries",
}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// AuthURL and TokenURL override the vendor endpoints, for tests.
	AuthURL  string
	TokenURL string

	// Timeout applies to the transport session. Zero means the default.
	Timeout time.Duration
}

// Invalidator is the part of an event subscription the provider needs at
// shutdown: flag it so its next receive terminates cleanly.
type Invalidator interface {
	Invalidate()
	IsOpen() bool
}

// Provider maintains a valid bearer credential for one client ID.
//
// The transport session is owned exclusively by the Provider. It is created
// lazily, and replaced whenever the credential changes, so callers must fetch
// it through Session on every request rather than caching it.
type Provider struct {
	cfg    Config
	oauth  oauth2.Config
	store  tokenstore.Store
	logger *slog.Logger

	gen atomic.Uint64 // bumped on every successful token replacement

	mu       sync.Mutex // serializes authentication and guards fields below
	tokens   map[string]*oauth2.Token
	session  *http.Client
	exchange *http.Client
	subs     []Invalidator
}

// New loads persisted tokens from the store and returns a Provider. The store
// is read once here; it is written back on every successful authorize/refresh.
func New(cfg Config, store tokenstore.Store) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	tokens, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading token cache: %w", err)
	}

	return &Provider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:  store,
		logger: slog.Default(),
		tokens: tokens,
	}, nil
}

// Authorized reports whether the current client ID has a refresh token on
// record. Pure read against the in-memory token map.
func (p *Provider) Authorized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := p.tokens[p.cfg.ClientID]
	return tok != nil && tok.RefreshToken != ""
}

// AccessToken returns the current bearer token, or "" when unauthorized.
func (p *Provider) AccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := p.tokens[p.cfg.ClientID]
	if tok == nil {
		return ""
	}
	return tok.AccessToken
}

// AuthCodeURL returns the URL a user must visit to grant this client access.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Authorize exchanges an authorization code for a token pair, persists it and
// replaces the transport session.
func (p *Provider) Authorize(ctx context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("authorizing client", "client_id", p.cfg.ClientID)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.exchangeClientLocked())
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return classifyTokenError(err)
	}
	return p.replaceTokenLocked(tok)
}

// Refresh exchanges the stored refresh token for a new token pair. It fails
// fast with ErrNotAuthorized, without network I/O, when no refresh token
// exists. Concurrent refreshes collapse: a caller that queued behind a
// successful refresh returns without issuing a second exchange.
func (p *Provider) Refresh(ctx context.Context) error {
	gen := p.gen.Load()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen.Load() != gen {
		p.logger.Debug("concurrent refresh already completed", "client_id", p.cfg.ClientID)
		return nil
	}

	current := p.tokens[p.cfg.ClientID]
	if current == nil || current.RefreshToken == "" {
		return ErrNotAuthorized
	}

	p.logger.Debug("refreshing access token", "client_id", p.cfg.ClientID)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.exchangeClientLocked())
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		// Prior tokens remain valid in the map until a later attempt succeeds.
		return classifyTokenError(err)
	}
	return p.replaceTokenLocked(tok)
}

// ClearAuthorization logs out: subscriptions are invalidated, the session is
// torn down and the persisted tokens for this client ID are removed.
func (p *Provider) ClearAuthorization() error {
	p.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, p.cfg.ClientID)
	return p.store.Save(p.tokens)
}

// Session returns the transport session, creating one lazily. At most one
// session is alive per Provider.
func (p *Provider) Session() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionLocked()
}

// Register adds a subscription to be invalidated when the provider closes.
func (p *Provider) Register(sub Invalidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, sub)
}

// Close signals every active subscription to invalidate, then tears down the
// transport session. Closing twice is a no-op.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.subs {
		if sub.IsOpen() {
			// The subscription closes itself on its next receive.
			sub.Invalidate()
			p.logger.Warn("open event subscription invalidated at close")
		}
	}
	p.subs = nil

	if p.session != nil {
		p.session.CloseIdleConnections()
		p.session = nil
	}
	if p.exchange != nil {
		p.exchange.CloseIdleConnections()
		p.exchange = nil
	}
}

func (p *Provider) sessionLocked() *http.Client {
	if p.session == nil {
		p.session = httputil.NewSessionClient(p.cfg.Timeout)
	}
	return p.session
}

// exchangeClientLocked returns the client used for token endpoint calls. It is
// separate from the API session: a token exchange replaces the session, so
// running the exchange on it would build a client only to throw it away.
func (p *Provider) exchangeClientLocked() *http.Client {
	if p.exchange == nil {
		timeout := p.cfg.Timeout
		if timeout <= 0 {
			timeout = httputil.DefaultTimeout
		}
		p.exchange = &http.Client{Timeout: timeout}
	}
	return p.exchange
}

// replaceTokenLocked swaps in a freshly granted token pair, persists the full
// mapping and recycles the session so its connections pick up the new
// credential state.
func (p *Provider) replaceTokenLocked(tok *oauth2.Token) error {
	p.tokens[p.cfg.ClientID] = tok
	if err := p.store.Save(p.tokens); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}

	if p.session != nil {
		p.session.CloseIdleConnections()
		p.session = nil
	}
	p.gen.Add(1)
	p.logger.Debug("token replaced", "client_id", p.cfg.ClientID)
	return nil
}

// classifyTokenError maps token endpoint rejections to AuthorizationError,
// preferring the structured error_description from the response payload.
// Transport failures pass through untouched.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		msg := rerr.ErrorDescription
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		if msg == "" {
			msg = fmt.Sprintf("non-OK status %d returned by token endpoint", status)
		}
		return &AuthorizationError{Message: msg, Status: status}
	}
	return err
}
