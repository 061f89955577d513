// Package fakeregistry is an in-memory registry and command endpoint for tests.
package fakeregistry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gofrs/uuid/v5"
)

const (
	registryPrefix = "api/registry/v1alpha1"
	commandPrefix  = "api/command/v1alpha1"
	adminPrefix    = "api/admin/v1alpha1"
	tokensPrefix   = "api/tokens/v1alpha1"
	consolePrefix  = "api/console/v1alpha1"
	userPrefix     = "api/user/v1alpha1"
	wellKnown      = ".well-known"
)

// Command is a command received by the server.
type Command struct {
	Application string
	Device      string
	Name        string
	Timeout     string
	ContentType string
	Payload     []byte
}

// Server stores applications and devices as raw JSON objects and enforces
// resourceVersion checks on writes.
type Server struct {
	mu       sync.Mutex
	version  int64
	apps     map[string]map[string]any
	devices  map[string]map[string]map[string]any
	token    string
	faults   []int
	requests int
	commands []Command
	lastAuth string

	members      map[string]*memberList
	transfers    map[string]string
	owners       map[string]string
	accessTokens []accessToken

	emptyWriteBodies bool
	commandReply     func(Command) (int, []byte)
	authorize        func(AuthzRequest) bool
}

// New returns an empty registry.
func New() *Server {
	return &Server{
		apps:      map[string]map[string]any{},
		devices:   map[string]map[string]map[string]any{},
		members:   map[string]*memberList{},
		transfers: map[string]string{},
		owners:    map[string]string{},
	}
}

// RequireToken makes the server answer 401 unless the bearer token equals tok.
func (s *Server) RequireToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// SetEmptyWriteBodies makes create, update and patch answer without a body.
func (s *Server) SetEmptyWriteBodies(v bool) {
	s.mu.Lock()
	s.emptyWriteBodies = v
	s.mu.Unlock()
}

// SetCommandReply decides the answer to commands. The default is 202 without a body.
func (s *Server) SetCommandReply(fn func(Command) (int, []byte)) {
	s.mu.Lock()
	s.commandReply = fn
	s.mu.Unlock()
}

// InjectStatus queues statuses returned, in order, before normal processing resumes.
func (s *Server) InjectStatus(codes ...int) {
	s.mu.Lock()
	s.faults = append(s.faults, codes...)
	s.mu.Unlock()
}

// Requests returns the number of requests served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Commands returns the commands received so far.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// LastAuthorization returns the Authorization header of the latest request.
func (s *Server) LastAuthorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.lastAuth = r.Header.Get("Authorization")
	public := strings.HasPrefix(r.URL.Path, "/"+wellKnown+"/")
	if s.token != "" && !public && s.lastAuth != "Bearer "+s.token {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid bearer token")
		return
	}
	if len(s.faults) > 0 {
		code := s.faults[0]
		s.faults = s.faults[1:]
		s.mu.Unlock()
		writeError(w, code, http.StatusText(code), "injected")
		return
	}
	s.mu.Unlock()

	segs, err := segments(r.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	body, _ := io.ReadAll(r.Body)

	switch {
	case hasPrefix(segs, registryPrefix):
		s.registry(w, r, segs[3:], body)
	case hasPrefix(segs, commandPrefix):
		s.command(w, r, segs[3:], body)
	case hasPrefix(segs, adminPrefix):
		s.admin(w, r, segs[3:], body)
	case hasPrefix(segs, tokensPrefix):
		s.tokens(w, r, segs[3:])
	case hasPrefix(segs, consolePrefix) && len(segs) == 4 && segs[3] == "info":
		writeJSON(w, http.StatusOK, endpoints(r, true))
	case hasPrefix(segs, userPrefix) && len(segs) == 4 && segs[3] == "authz":
		s.authz(w, r, body)
	case hasPrefix(segs, wellKnown):
		s.wellKnown(w, r, segs[1:])
	default:
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
	}
}

func (s *Server) registry(w http.ResponseWriter, r *http.Request, segs []string, body []byte) {
	if len(segs) == 0 || segs[0] != "apps" {
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch len(segs) {
	case 1:
		s.collection(w, r, s.apps, "", body)
	case 2:
		s.item(w, r, s.apps, "", segs[1], body)
	case 3, 4:
		if segs[2] != "devices" {
			writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
			return
		}
		app := segs[1]
		if _, ok := s.apps[app]; !ok {
			writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("application %q not found", app))
			return
		}
		if s.devices[app] == nil {
			s.devices[app] = map[string]map[string]any{}
		}
		if len(segs) == 3 {
			s.collection(w, r, s.devices[app], app, body)
		} else {
			s.item(w, r, s.devices[app], app, segs[3], body)
		}
	default:
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
	}
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request, store map[string]map[string]any, app string, body []byte) {
	switch r.Method {
	case http.MethodGet:
		sel := splitSelector(r.URL.Query().Get("labels"))
		names := make([]string, 0, len(store))
		for n := range store {
			names = append(names, n)
		}
		sort.Strings(names)
		out := []map[string]any{}
		for _, n := range names {
			if matches(labels(store[n]), sel) {
				out = append(out, store[n])
			}
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
		md := metadata(obj)
		name, _ := md["name"].(string)
		if name == "" {
			writeError(w, http.StatusBadRequest, "BadRequest", "metadata.name is required")
			return
		}
		if _, exists := store[name]; exists {
			writeError(w, http.StatusConflict, "AlreadyExists", fmt.Sprintf("%q already exists", name))
			return
		}
		md["uid"] = uuid.Must(uuid.NewV4()).String()
		md["creationTimestamp"] = time.Now().UTC().Format(time.RFC3339)
		md["generation"] = 1
		md["resourceVersion"] = s.nextVersion()
		delete(md, "deletionTimestamp")
		if app != "" {
			md["application"] = app
		}
		store[name] = obj
		if s.emptyWriteBodies {
			w.Header().Set("Location", r.URL.EscapedPath()+"/"+url.PathEscape(name))
			w.WriteHeader(http.StatusCreated)
			return
		}
		writeJSON(w, http.StatusCreated, obj)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) item(w http.ResponseWriter, r *http.Request, store map[string]map[string]any, app, name string, body []byte) {
	cur, ok := store[name]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("%q not found", name))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, cur)

	case http.MethodDelete:
		delete(store, name)
		if app == "" {
			delete(s.devices, name)
			delete(s.members, name)
			delete(s.transfers, name)
			delete(s.owners, name)
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPut:
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
		s.store(w, store, cur, obj, name, app)

	case http.MethodPatch:
		curRaw, _ := json.Marshal(cur)
		var patched []byte
		var err error
		switch ct := r.Header.Get("Content-Type"); ct {
		case "application/merge-patch+json":
			patched, err = jsonpatch.MergePatch(curRaw, body)
		case "application/json-patch+json":
			var p jsonpatch.Patch
			if p, err = jsonpatch.DecodePatch(body); err == nil {
				patched, err = p.Apply(curRaw)
			}
		default:
			writeError(w, http.StatusUnsupportedMediaType, "UnsupportedMediaType", ct)
			return
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "InvalidPatch", err.Error())
			return
		}
		var obj map[string]any
		if err := json.Unmarshal(patched, &obj); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "InvalidPatch", err.Error())
			return
		}
		s.store(w, store, cur, obj, name, app)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

// store applies the optimistic concurrency check and persists obj as the new revision.
func (s *Server) store(w http.ResponseWriter, store map[string]map[string]any, cur, obj map[string]any, name, app string) {
	curMD, md := metadata(cur), metadata(obj)
	if rv, _ := md["resourceVersion"].(string); rv != "" && rv != curMD["resourceVersion"] {
		writeError(w, http.StatusConflict, "Conflict", fmt.Sprintf("resourceVersion %s does not match %s", rv, curMD["resourceVersion"]))
		return
	}
	md["name"] = name
	md["uid"] = curMD["uid"]
	md["creationTimestamp"] = curMD["creationTimestamp"]
	gen, _ := curMD["generation"].(float64)
	if g, ok := curMD["generation"].(int); ok {
		gen = float64(g)
	}
	md["generation"] = int(gen) + 1
	md["resourceVersion"] = s.nextVersion()
	if app != "" {
		md["application"] = app
	}
	store[name] = obj
	if s.emptyWriteBodies {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, segs []string, body []byte) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
		return
	}
	if len(segs) != 4 || segs[0] != "apps" || segs[2] != "devices" {
		writeError(w, http.StatusNotFound, "NotFound", "no such endpoint")
		return
	}
	cmd := Command{
		Application: segs[1],
		Device:      segs[3],
		Name:        r.URL.Query().Get("command"),
		Timeout:     r.URL.Query().Get("timeout"),
		ContentType: r.Header.Get("Content-Type"),
		Payload:     body,
	}
	if cmd.Name == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "missing command")
		return
	}

	s.mu.Lock()
	_, ok := s.devices[cmd.Application][cmd.Device]
	if ok {
		s.commands = append(s.commands, cmd)
	}
	reply := s.commandReply
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("device %q not found", cmd.Device))
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	status, out := reply(cmd)
	if len(out) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func (s *Server) nextVersion() string {
	s.version++
	return strconv.FormatInt(s.version, 10)
}

func metadata(obj map[string]any) map[string]any {
	md, ok := obj["metadata"].(map[string]any)
	if !ok {
		md = map[string]any{}
		obj["metadata"] = md
	}
	return md
}

func labels(obj map[string]any) map[string]any {
	l, _ := metadata(obj)["labels"].(map[string]any)
	return l
}

// splitSelector splits on commas outside parentheses.
func splitSelector(v string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range v {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, v[start:i])
				start = i + 1
			}
		}
	}
	if v != "" {
		out = append(out, v[start:])
	}
	return out
}

// matches evaluates selectors of the forms k=v, k!=v, k in (a, b), k notin (a, b),
// k and !k.
func matches(l map[string]any, sel []string) bool {
	for _, s := range sel {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
		case strings.Contains(s, " notin "):
			k, set, _ := strings.Cut(s, " notin ")
			if v, ok := l[strings.TrimSpace(k)].(string); ok && inSet(v, set) {
				return false
			}
		case strings.Contains(s, " in "):
			k, set, _ := strings.Cut(s, " in ")
			if v, ok := l[strings.TrimSpace(k)].(string); !ok || !inSet(v, set) {
				return false
			}
		case strings.Contains(s, "!="):
			k, v, _ := strings.Cut(s, "!=")
			if l[k] == v {
				return false
			}
		case strings.Contains(s, "="):
			k, v, _ := strings.Cut(s, "=")
			if l[k] != v {
				return false
			}
		case strings.HasPrefix(s, "!"):
			if _, ok := l[s[1:]]; ok {
				return false
			}
		default:
			if _, ok := l[s]; !ok {
				return false
			}
		}
	}
	return true
}

func inSet(v, set string) bool {
	set = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(set), "("), ")")
	for _, e := range strings.Split(set, ",") {
		if strings.TrimSpace(e) == v {
			return true
		}
	}
	return false
}

func segments(u *url.URL) ([]string, error) {
	raw := strings.Trim(u.EscapedPath(), "/")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		parts[i] = v
	}
	return parts, nil
}

func hasPrefix(segs []string, prefix string) bool {
	want := strings.Split(prefix, "/")
	if len(segs) < len(want) {
		return false
	}
	for i := range want {
		if segs[i] != want[i] {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
