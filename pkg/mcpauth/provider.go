package mcpauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

// RedirectSink presents an authorization URL to a human. It is the only
// outward-facing side effect the provider performs; the resulting code or
// tokens come back through the session store, never through a return value.
type RedirectSink func(ctx context.Context, authorizationURL *url.URL) error

// Options configure a Provider.
type Options struct {
	ServerID  string
	SessionID string

	Servers  configstore.Store[configstore.ServerRecord]
	Sessions configstore.Store[configstore.SessionRecord]

	// Redirect delivers authorization URLs to the external sink.
	Redirect RedirectSink
	// RedirectURL is the callback URL registered with the authorization
	// server and embedded in authorization requests.
	RedirectURL string

	// ClientName and ClientURI populate dynamic registration metadata.
	ClientName string
	ClientURI  string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Provider supplies tokens and drives the interactive authorization flow for
// one (server, session) pair.
type Provider struct {
	opts Options
}

// NewProvider constructs a Provider. Servers, Sessions, ServerID, and
// SessionID are required.
func NewProvider(opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-hub-go"
	}
	return &Provider{opts: opts}
}

func (p *Provider) httpClient() *http.Client {
	if p.opts.HTTPClient != nil {
		return p.opts.HTTPClient
	}
	return http.DefaultClient
}

func (p *Provider) sessionKey() string {
	return configstore.SessionKey(p.opts.SessionID, p.opts.ServerID)
}

func (p *Provider) session() configstore.SessionRecord {
	rec, ok := p.opts.Sessions.Get(p.sessionKey())
	if !ok {
		rec = configstore.SessionRecord{
			SessionID:   p.opts.SessionID,
			ServerID:    p.opts.ServerID,
			RedirectURL: p.opts.RedirectURL,
		}
	}
	return rec
}

func (p *Provider) saveSession(rec configstore.SessionRecord) {
	p.opts.Sessions.Set(p.sessionKey(), rec)
}

func (p *Provider) authSettings() configstore.AuthSettings {
	if rec, ok := p.opts.Servers.Get(p.opts.ServerID); ok && rec.Auth != nil {
		return *rec.Auth
	}
	return configstore.AuthSettings{}
}

func (p *Provider) inheritance() configstore.TokenInheritance {
	if s := p.authSettings(); s.Inheritance == configstore.InheritSession {
		return configstore.InheritSession
	}
	return configstore.InheritAgent
}

// ClientMetadata returns the registration metadata advertised for this
// provider's client.
func (p *Provider) ClientMetadata() ClientMetadata {
	settings := p.authSettings()
	return ClientMetadata{
		RedirectURIs:            []string{p.opts.RedirectURL},
		ClientName:              p.opts.ClientName,
		ClientURI:               p.opts.ClientURI,
		TokenEndpointAuthMethod: tokenEndpointAuthNone,
		GrantTypes:              []string{grantAuthorizationCode, grantRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		Scope:                   strings.Join(settings.Scopes, " "),
	}
}

// ClientInformation returns the persisted registration result, if any.
func (p *Provider) ClientInformation() (*configstore.ClientInformation, bool) {
	rec := p.session()
	if rec.ClientInformation == nil {
		return nil, false
	}
	return rec.ClientInformation, true
}

// EnsureClientInformation returns the registered client, performing dynamic
// registration against endpoint when none is persisted yet.
func (p *Provider) EnsureClientInformation(ctx context.Context, endpoint string) (*configstore.ClientInformation, error) {
	if info, ok := p.ClientInformation(); ok {
		return info, nil
	}
	if endpoint == "" {
		return nil, fmt.Errorf("mcpauth: no client registered for %q and no registration endpoint configured", p.opts.ServerID)
	}
	info, err := p.registerClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	rec := p.session()
	rec.ClientInformation = info
	p.saveSession(rec)
	p.opts.Logger.Info("registered oauth client",
		zap.String("server", p.opts.ServerID),
		zap.String("client_id", info.ClientID))
	return info, nil
}

// Tokens returns the current tokens under the configured policy: passthrough
// mirrors the caller's own bearer, otherwise session-scoped tokens win over
// agent-scoped ones.
func (p *Provider) Tokens() *oauth2.Token {
	settings := p.authSettings()
	rec := p.session()
	if settings.Type == configstore.AuthPassthrough {
		if rec.Bearer == "" {
			return nil
		}
		return &oauth2.Token{AccessToken: rec.Bearer, TokenType: "Bearer"}
	}
	if rec.Tokens != nil {
		return rec.Tokens
	}
	return settings.Tokens
}

// SaveTokens persists freshly obtained tokens. Passthrough tokens are
// mirrored from the caller's bearer and never saved separately; otherwise
// the inheritance policy decides between the session record and the
// agent-scoped ServerRecord. Last writer wins.
func (p *Provider) SaveTokens(tok *oauth2.Token) {
	settings := p.authSettings()
	if settings.Type == configstore.AuthPassthrough {
		return
	}
	if p.inheritance() == configstore.InheritSession {
		rec := p.session()
		rec.Tokens = tok
		p.saveSession(rec)
		return
	}
	server, ok := p.opts.Servers.Get(p.opts.ServerID)
	if !ok {
		return
	}
	if server.Auth == nil {
		server.Auth = &configstore.AuthSettings{}
	}
	auth := *server.Auth
	auth.Tokens = tok
	server.Auth = &auth
	p.opts.Servers.Set(p.opts.ServerID, server)
}

// CodeVerifier returns the persisted PKCE verifier, generating and saving a
// fresh one when absent.
func (p *Provider) CodeVerifier() string {
	rec := p.session()
	if rec.CodeVerifier == "" {
		rec.CodeVerifier = oauth2.GenerateVerifier()
		p.saveSession(rec)
	}
	return rec.CodeVerifier
}

func (p *Provider) oauthConfig(settings configstore.AuthSettings, info *configstore.ClientInformation) oauth2.Config {
	return oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  p.opts.RedirectURL,
		Scopes:       settings.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  settings.AuthorizationEndpoint,
			TokenURL: settings.TokenEndpoint,
		},
	}
}

// AuthorizationURL computes the authorization-code URL for this attempt,
// binding the persisted PKCE verifier via an S256 challenge.
func (p *Provider) AuthorizationURL(ctx context.Context) (*url.URL, error) {
	settings := p.authSettings()
	if settings.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("mcpauth: no authorization endpoint configured for %q", p.opts.ServerID)
	}
	info, err := p.EnsureClientInformation(ctx, settings.RegistrationEndpoint)
	if err != nil {
		return nil, err
	}
	cfg := p.oauthConfig(settings, info)
	state := uuid.NewString()
	raw := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(p.CodeVerifier()))
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcpauth: build authorization url: %w", err)
	}
	return u, nil
}

// RedirectToAuthorization records the pending URL and hands it to the
// external sink. The core never opens the URL itself.
func (p *Provider) RedirectToAuthorization(ctx context.Context, u *url.URL) error {
	rec := p.session()
	rec.PendingAuthorizationURL = u.String()
	p.saveSession(rec)
	if p.opts.Redirect == nil {
		return fmt.Errorf("mcpauth: no redirect sink configured for %q", p.opts.ServerID)
	}
	return p.opts.Redirect(ctx, u)
}

// WaitForCode blocks until an external actor writes an authorization code
// into the session record, using a one-shot subscription to the store's
// change feed.
func (p *Provider) WaitForCode(ctx context.Context) (string, error) {
	return waitForSessionField(ctx, p, func(rec configstore.SessionRecord) (string, bool) {
		return rec.Code, rec.Code != ""
	})
}

// WaitForTokens blocks until tokens appear on the session record.
func (p *Provider) WaitForTokens(ctx context.Context) (*oauth2.Token, error) {
	return waitForSessionField(ctx, p, func(rec configstore.SessionRecord) (*oauth2.Token, bool) {
		return rec.Tokens, rec.Tokens != nil
	})
}

func waitForSessionField[T any](ctx context.Context, p *Provider, extract func(configstore.SessionRecord) (T, bool)) (T, error) {
	var zero T
	key := p.sessionKey()

	changed := make(chan struct{}, 1)
	cancel := p.opts.Sessions.Observe(func(keys []string) {
		for _, k := range keys {
			if k == key {
				select {
				case changed <- struct{}{}:
				default:
				}
				return
			}
		}
	})
	defer cancel()

	for {
		if rec, ok := p.opts.Sessions.Get(key); ok {
			if v, present := extract(rec); present {
				return v, nil
			}
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-changed:
		}
	}
}

// Exchange trades an authorization code for tokens using the persisted PKCE
// verifier, persists them per the inheritance policy, and clears the
// consumed code and verifier.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	settings := p.authSettings()
	info, err := p.EnsureClientInformation(ctx, settings.RegistrationEndpoint)
	if err != nil {
		return nil, err
	}
	cfg := p.oauthConfig(settings, info)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient())
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(p.CodeVerifier()))
	if err != nil {
		return nil, fmt.Errorf("mcpauth: exchange authorization code: %w", err)
	}
	p.SaveTokens(tok)
	rec := p.session()
	rec.Code = ""
	rec.CodeVerifier = ""
	rec.PendingAuthorizationURL = ""
	p.saveSession(rec)
	return tok, nil
}

// Authorize runs one complete interactive attempt: compute the authorization
// URL, hand it to the sink exactly once, wait for the code to be delivered,
// and exchange it. Cancel ctx to abandon the attempt.
func (p *Provider) Authorize(ctx context.Context) (*oauth2.Token, error) {
	u, err := p.AuthorizationURL(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.RedirectToAuthorization(ctx, u); err != nil {
		return nil, err
	}
	code, err := p.WaitForCode(ctx)
	if err != nil {
		return nil, err
	}
	return p.Exchange(ctx, code)
}
