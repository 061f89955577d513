package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type idp struct {
	srv           *httptest.Server
	discoveries   atomic.Int32
	rejectRefresh bool

	mu     sync.Mutex
	grants []string
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	p := &idp{}
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/iot/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.discoveries.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":         p.srv.URL + "/realms/iot",
			"token_endpoint": p.srv.URL + "/realms/iot/token",
		})
	})
	mux.HandleFunc("/realms/iot/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		grant := r.PostForm.Get("grant_type")
		p.mu.Lock()
		p.grants = append(p.grants, grant)
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if grant == "refresh_token" && p.rejectRefresh {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + grant,
			"token_type":    "bearer",
			"expires_in":    300,
			"refresh_token": "rt-" + grant,
		})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *idp) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.grants...)
}

func TestOIDCSource_DiscoversAndUsesClientCredentials(t *testing.T) {
	p := newIDP(t)
	s := NewOIDCSource(OIDCConfig{
		IssuerURL:    p.srv.URL + "/realms/iot/",
		ClientID:     "svc",
		ClientSecret: "secret",
		HTTPClient:   p.srv.Client(),
	})

	cred, err := s.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "at-client_credentials", cred.AccessToken)
	require.WithinDuration(t, time.Now().Add(300*time.Second), cred.ExpiresAt, 5*time.Second)

	_, err = s.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int32(1), p.discoveries.Load(), "discovery result is reused")
}

func TestOIDCSource_PrefersRefreshGrant(t *testing.T) {
	p := newIDP(t)
	s := NewOIDCSource(OIDCConfig{TokenURL: p.srv.URL + "/realms/iot/token", ClientID: "svc", HTTPClient: p.srv.Client()})

	cred, err := s.Fetch(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-refresh_token", cred.AccessToken)
	require.Equal(t, []string{"refresh_token"}, p.seen())
	require.Zero(t, p.discoveries.Load())
}

func TestOIDCSource_FallsBackWhenRefreshRejected(t *testing.T) {
	p := newIDP(t)
	p.rejectRefresh = true
	s := NewOIDCSource(OIDCConfig{TokenURL: p.srv.URL + "/realms/iot/token", ClientID: "svc", HTTPClient: p.srv.Client()})

	cred, err := s.Fetch(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-client_credentials", cred.AccessToken)
	grants := p.seen()
	require.Equal(t, "refresh_token", grants[0])
	require.Equal(t, "client_credentials", grants[len(grants)-1])
}

func TestOIDCSource_NoEndpoint(t *testing.T) {
	_, err := NewOIDCSource(OIDCConfig{}).Fetch(context.Background(), "")
	require.ErrorIs(t, err, ErrNoTokenEndpoint)
}
