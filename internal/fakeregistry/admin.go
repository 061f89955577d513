package fakeregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Version is reported on the public version endpoint.
const Version = "0.11.0-fake"

type memberList struct {
	ResourceVersion string                 `json:"resourceVersion"`
	Members         map[string]memberEntry `json:"members"`
}

type memberEntry struct {
	Roles []string `json:"roles"`
}

type accessToken struct {
	Created     time.Time `json:"created"`
	Prefix      string    `json:"prefix"`
	Description string    `json:"-"`
}

// AuthzRequest is an authorization question received on the user endpoint.
type AuthzRequest struct {
	Application string            `json:"application"`
	Permission  map[string]string `json:"permission"`
	UserID      *string           `json:"user_id"`
	Roles       []string          `json:"roles"`
}

// SetAuthorizer decides authorization requests. By default a request is allowed
// when the user owns the application or is one of its members.
func (s *Server) SetAuthorizer(fn func(AuthzRequest) bool) {
	s.mu.Lock()
	s.authorize = fn
	s.mu.Unlock()
}

// Owner returns the user that accepted the latest ownership transfer of app.
func (s *Server) Owner(app string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[app]
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request, segs []string, body []byte) {
	if len(segs) != 3 || segs[0] != "apps" {
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
		return
	}
	app, op := segs[1], segs[2]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app]; !ok {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("application %q not found", app))
		return
	}

	switch {
	case op == "members" && r.Method == http.MethodGet:
		m := s.members[app]
		if m == nil {
			m = &memberList{ResourceVersion: s.nextVersion(), Members: map[string]memberEntry{}}
			s.members[app] = m
		}
		writeJSON(w, http.StatusOK, m)

	case op == "members" && r.Method == http.MethodPut:
		var in struct {
			ResourceVersion string                 `json:"resourceVersion"`
			Members         map[string]memberEntry `json:"members"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
		if cur := s.members[app]; cur != nil && in.ResourceVersion != "" && in.ResourceVersion != cur.ResourceVersion {
			writeError(w, http.StatusConflict, "Conflict", fmt.Sprintf("resourceVersion %s does not match %s", in.ResourceVersion, cur.ResourceVersion))
			return
		}
		if in.Members == nil {
			in.Members = map[string]memberEntry{}
		}
		s.members[app] = &memberList{ResourceVersion: s.nextVersion(), Members: in.Members}
		w.WriteHeader(http.StatusNoContent)

	case op == "transfer-ownership" && r.Method == http.MethodGet:
		user, ok := s.transfers[app]
		if !ok {
			writeError(w, http.StatusNotFound, "NotFound", "no pending transfer")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"newUser": user})

	case op == "transfer-ownership" && r.Method == http.MethodPut:
		var in struct {
			NewUser string `json:"newUser"`
		}
		if err := json.Unmarshal(body, &in); err != nil || in.NewUser == "" {
			writeError(w, http.StatusBadRequest, "BadRequest", "newUser is required")
			return
		}
		s.transfers[app] = in.NewUser
		w.WriteHeader(http.StatusAccepted)

	case op == "transfer-ownership" && r.Method == http.MethodDelete:
		if _, ok := s.transfers[app]; !ok {
			writeError(w, http.StatusNotFound, "NotFound", "no pending transfer")
			return
		}
		delete(s.transfers, app)
		w.WriteHeader(http.StatusNoContent)

	case op == "accept-ownership" && r.Method == http.MethodPut:
		user, ok := s.transfers[app]
		if !ok {
			writeError(w, http.StatusNotFound, "NotFound", "no pending transfer")
			return
		}
		delete(s.transfers, app)
		s.owners[app] = user
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) tokens(w http.ResponseWriter, r *http.Request, segs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case len(segs) == 0 && r.Method == http.MethodGet:
		out := make([]accessToken, len(s.accessTokens))
		copy(out, s.accessTokens)
		writeJSON(w, http.StatusOK, out)

	case len(segs) == 0 && r.Method == http.MethodPost:
		id := strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
		t := accessToken{
			Created:     time.Now().UTC().Truncate(time.Second),
			Prefix:      "ict_" + id[:6],
			Description: r.URL.Query().Get("description"),
		}
		s.accessTokens = append(s.accessTokens, t)
		writeJSON(w, http.StatusOK, map[string]string{"token": t.Prefix + "_" + id[6:], "prefix": t.Prefix})

	case len(segs) == 1 && r.Method == http.MethodDelete:
		i := slices.IndexFunc(s.accessTokens, func(t accessToken) bool { return t.Prefix == segs[0] })
		if i < 0 {
			writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("token %q not found", segs[0]))
			return
		}
		s.accessTokens = slices.Delete(s.accessTokens, i, i+1)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) authz(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
		return
	}
	var req AuthzRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Permission) != 1 {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid authorization request")
		return
	}

	s.mu.Lock()
	decide := s.authorize
	allowed := false
	if decide == nil && req.UserID != nil {
		allowed = s.owners[req.Application] == *req.UserID || s.members[req.Application].has(*req.UserID)
	}
	s.mu.Unlock()

	if decide != nil {
		allowed = decide(req)
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

func (m *memberList) has(user string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Members[user]
	return ok
}

func (s *Server) wellKnown(w http.ResponseWriter, r *http.Request, segs []string) {
	if r.Method != http.MethodGet || len(segs) != 1 {
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
		return
	}
	switch segs[0] {
	case "drogue-endpoints":
		writeJSON(w, http.StatusOK, endpoints(r, false))
	case "drogue-version":
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	default:
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
	}
}

// endpoints describes the server itself. The public variant omits the
// service endpoints.
func endpoints(r *http.Request, full bool) map[string]any {
	base := "http://" + r.Host
	out := map[string]any{
		"api":        base,
		"issuer_url": base + "/realms/iot",
		"sso":        base + "/sso",
	}
	if full {
		out["console"] = base + "/console"
		out["registry"] = map[string]any{"url": base}
		out["http"] = map[string]any{"url": base + "/http"}
		out["mqtt"] = map[string]any{"host": r.Host, "port": 8883}
		out["mqtt_integration"] = map[string]any{"host": r.Host, "port": 8884}
		out["kafka_bootstrap_servers"] = "kafka:9092"
	}
	return out
}
