package mcpauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	responseTypeCode       = "code"
	// Public clients using PKCE authenticate with no client secret.
	tokenEndpointAuthNone = "none"
)

// ClientMetadata is the dynamic client registration request body (RFC 7591).
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	configstore.ClientInformation
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (p *Provider) registerClient(ctx context.Context, endpoint string) (*configstore.ClientInformation, error) {
	meta := p.ClientMetadata()
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("mcpauth: encode registration request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcpauth: build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcpauth: register client: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("mcpauth: read registration response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure registrationResponse
		if json.Unmarshal(payload, &failure) == nil && failure.Error != "" {
			return nil, fmt.Errorf("mcpauth: registration rejected: %s: %s", failure.Error, failure.ErrorDescription)
		}
		return nil, fmt.Errorf("mcpauth: registration failed with status %d", resp.StatusCode)
	}

	var ok registrationResponse
	if err := json.Unmarshal(payload, &ok); err != nil {
		return nil, fmt.Errorf("mcpauth: decode registration response: %w", err)
	}
	if ok.ClientID == "" {
		return nil, fmt.Errorf("mcpauth: registration response missing client_id")
	}
	info := ok.ClientInformation
	return &info, nil
}
