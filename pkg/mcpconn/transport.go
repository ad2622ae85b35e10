package mcpconn

import (
	"context"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

// NewTransport builds the wire transport for one server record. The HTTP
// client is decorated so the current bearer token rides on every request,
// including reconnects the SDK performs internally. tokens may be nil.
func NewTransport(rec configstore.ServerRecord, tokens func() *oauth2.Token, base *http.Client) mcp.Transport {
	httpClient := decorateHTTPClient(base, tokens)
	if rec.Transport == configstore.TransportSSE ||
		(rec.Transport == "" && shouldPreferSSE(rec.URL)) {
		return &mcp.SSEClientTransport{Endpoint: rec.URL, HTTPClient: httpClient}
	}
	return &mcp.StreamableClientTransport{Endpoint: rec.URL, HTTPClient: httpClient}
}

func (c *Connection) dialTransport(ctx context.Context, rec configstore.ServerRecord) (mcp.Transport, error) {
	if c.opts.DialTransport != nil {
		return c.opts.DialTransport(ctx, rec)
	}
	return NewTransport(rec, c.bearerToken, c.opts.HTTPClient), nil
}

func shouldPreferSSE(rawURL string) bool {
	return strings.HasSuffix(strings.TrimSuffix(rawURL, "/"), "/sse")
}

func decorateHTTPClient(base *http.Client, tokens func() *oauth2.Token) *http.Client {
	var client http.Client
	if base != nil {
		client = *base
	}
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client.Transport = &authRoundTripper{next: next, tokens: tokens}
	return &client
}

func (c *Connection) bearerToken() *oauth2.Token {
	if c.auth != nil {
		return c.auth.Tokens()
	}
	if rec, ok := c.servers.Get(c.id); ok && rec.Auth != nil {
		return rec.Auth.Tokens
	}
	return nil
}

// authRoundTripper injects the current Authorization header per request, so
// token refreshes between attempts take effect without rebuilding clients.
type authRoundTripper struct {
	next   http.RoundTripper
	tokens func() *oauth2.Token
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var tok *oauth2.Token
	if rt.tokens != nil {
		tok = rt.tokens()
	}
	if tok != nil && tok.AccessToken != "" && req.Header.Get("Authorization") == "" {
		clone := req.Clone(req.Context())
		typ := tok.TokenType
		if typ == "" {
			typ = "Bearer"
		}
		clone.Header.Set("Authorization", typ+" "+tok.AccessToken)
		return rt.next.RoundTrip(clone)
	}
	return rt.next.RoundTrip(req)
}
