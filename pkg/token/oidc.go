package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const discoveryPath = "/.well-known/openid-configuration"

// ErrNoTokenEndpoint indicates neither a token URL nor a discoverable issuer was configured.
var ErrNoTokenEndpoint = errors.New("no token endpoint configured")

// OIDCConfig configures an OIDCSource.
type OIDCConfig struct {
	// IssuerURL is used to discover the token endpoint when TokenURL is empty.
	IssuerURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is used for discovery and token requests. Default: http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// OIDCSource fetches credentials from an OpenID Connect provider. It uses the refresh
// grant when a refresh token is known and falls back to the client-credentials grant.
type OIDCSource struct {
	cfg OIDCConfig

	mu       sync.Mutex
	tokenURL string
}

var _ Source = (*OIDCSource)(nil)

// NewOIDCSource returns a source for cfg. Discovery happens lazily on the first fetch.
func NewOIDCSource(cfg OIDCConfig) *OIDCSource {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &OIDCSource{cfg: cfg, tokenURL: cfg.TokenURL}
}

// Fetch implements Source.
func (s *OIDCSource) Fetch(ctx context.Context, refreshToken string) (Credential, error) {
	tokenURL, err := s.endpoint(ctx)
	if err != nil {
		return Credential{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)

	if refreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       s.cfg.Scopes,
		}
		tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err == nil {
			return fromOAuth2(tok), nil
		}
		s.cfg.Logger.Info("refresh grant failed, using client credentials", zap.Error(err))
	}

	cc := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       s.cfg.Scopes,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("client credentials grant: %w", err)
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) Credential {
	c := Credential{
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}
	if c.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromJWT(tok.AccessToken); ok {
			c.ExpiresAt = exp
		}
	}
	return c
}

type discoveryDoc struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
}

func (s *OIDCSource) endpoint(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenURL != "" {
		return s.tokenURL, nil
	}
	if s.cfg.IssuerURL == "" {
		return "", ErrNoTokenEndpoint
	}

	url := strings.TrimRight(s.cfg.IssuerURL, "/") + discoveryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("oidc discovery: unexpected status %d", resp.StatusCode)
	}
	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("oidc discovery: %w", ErrNoTokenEndpoint)
	}
	s.tokenURL = doc.TokenEndpoint
	return s.tokenURL, nil
}
