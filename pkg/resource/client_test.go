package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/iotcloud-client/internal/fakeregistry"
	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/meta"
	"github.com/and161185/iotcloud-client/pkg/token"
	"github.com/and161185/iotcloud-client/pkg/transport"
)

type widget struct {
	Metadata meta.NonScopedMetadata `json:"metadata"`
	Spec     meta.Sections          `json:"spec,omitempty"`
}

func (w *widget) ObjectMeta() *meta.NonScopedMetadata { return &w.Metadata }

type fakeExec struct {
	reqs  []transport.Request
	resps []*transport.Response
	errs  []error
}

var _ Executor = (*fakeExec)(nil)

func (f *fakeExec) Execute(_ context.Context, req transport.Request) (*transport.Response, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.resps) && f.resps[i] != nil {
		return f.resps[i], nil
	}
	return &transport.Response{Status: http.StatusOK, Header: http.Header{}}, nil
}

func newRegistry(t *testing.T) (*fakeregistry.Server, *Client[widget, *widget]) {
	t.Helper()
	reg := fakeregistry.New()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	exec, err := transport.NewExecutor(transport.Config{BaseURL: srv.URL},
		srv.Client(), token.NewCache(token.StaticSource{Token: "t"}))
	require.NoError(t, err)
	return reg, New[widget](exec, "apps", "api", "registry", "v1alpha1", "apps")
}

func TestClient_CRUD(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	_, err := c.Get(ctx, "w1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	created, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: "w1", Labels: map[string]string{"zone": "a"}}})
	require.NoError(t, err)
	require.Equal(t, "w1", created.Metadata.Name)
	require.NotEmpty(t, created.Metadata.UID)
	require.NotEmpty(t, created.Metadata.ResourceVersion)
	require.False(t, created.Metadata.CreationTimestamp.IsZero())

	got, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, created.Metadata, got.Metadata)

	_, err = c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: "w1"}})
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	require.NoError(t, c.Delete(ctx, "w1"))
	require.ErrorIs(t, c.Delete(ctx, "w1"), errs.ErrNotFound)
}

func TestClient_UpdateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	orig, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: "w"}})
	require.NoError(t, err)

	first := *orig
	first.Metadata.SetLabel("owner", "a")
	updated, err := c.Update(ctx, &first)
	require.NoError(t, err)
	require.NotEqual(t, orig.Metadata.ResourceVersion, updated.Metadata.ResourceVersion)
	require.Equal(t, "a", updated.Metadata.Labels["owner"])

	stale := *orig
	stale.Metadata.SetLabel("owner", "b")
	_, err = c.Update(ctx, &stale)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	var apiErr *errs.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.Status)

	got, err := c.Get(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, "a", got.Metadata.Labels["owner"], "conflicting write must not land")
}

func TestClient_PatchNullRemovesKey(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	_, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{
		Name:   "w",
		Labels: map[string]string{"keep": "1", "drop": "1"},
	}})
	require.NoError(t, err)

	p := MergePatch{}.Remove("metadata", "labels", "drop").Set("2", "metadata", "labels", "added")
	got, err := c.Patch(ctx, "w", p)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"keep": "1", "added": "2"}, got.Metadata.Labels)

	jp := JSONPatch{}.Test("/metadata/labels/keep", "1").RemoveOp("/metadata/labels/keep")
	got, err = c.Patch(ctx, "w", jp)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"added": "2"}, got.Metadata.Labels)

	_, err = c.Patch(ctx, "missing", p)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClient_PatchNullSpecKeyThenGet(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	created, err := c.Create(ctx, &widget{
		Metadata: meta.NonScopedMetadata{Name: "w"},
		Spec: meta.Sections{
			"x": json.RawMessage(`{"a":1}`),
			"y": json.RawMessage(`{"b":2,"c":[1,2]}`),
		},
	})
	require.NoError(t, err)

	_, err = c.Patch(ctx, "w", RawMergePatch(`{"spec":{"x":null}}`))
	require.NoError(t, err)

	got, err := c.Get(ctx, "w")
	require.NoError(t, err)
	require.NotContains(t, got.Spec, "x")
	require.Len(t, got.Spec, 1)
	require.JSONEq(t, `{"b":2,"c":[1,2]}`, string(got.Spec["y"]))
	require.NotEqual(t, created.Metadata.ResourceVersion, got.Metadata.ResourceVersion)
	require.Equal(t, created.Metadata.UID, got.Metadata.UID)
}

func TestClient_ReadBackWithoutBody(t *testing.T) {
	ctx := context.Background()
	reg, c := newRegistry(t)
	reg.SetEmptyWriteBodies(true)

	created, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: "a/b"}})
	require.NoError(t, err)
	require.Equal(t, "a/b", created.Metadata.Name)
	require.NotEmpty(t, created.Metadata.ResourceVersion)

	patched, err := c.Patch(ctx, "a/b", MergePatch{}.Set("v", "metadata", "annotations", "k"))
	require.NoError(t, err)
	require.Equal(t, "v", patched.Metadata.Annotations["k"])
}

func TestClient_ListLabels(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	for name, zone := range map[string]string{"w1": "a", "w2": "b", "w3": "a"} {
		_, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: name, Labels: map[string]string{"zone": zone}}})
		require.NoError(t, err)
	}

	all, err := c.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	zoneA, err := c.List(ctx, ListOptions{Labels: []string{"zone=a"}})
	require.NoError(t, err)
	var names []string
	for _, w := range zoneA {
		names = append(names, w.Metadata.Name)
	}
	require.Equal(t, []string{"w1", "w3"}, names)
}

func TestClient_RequestShape(t *testing.T) {
	ctx := context.Background()
	f := &fakeExec{resps: []*transport.Response{
		{Status: http.StatusOK, Body: []byte(`{"metadata":{"name":"x","resourceVersion":"2"}}`)},
	}}
	c := New[widget](f, "apps", "api", "apps")

	p := MergePatch{}.Remove("spec", "old")
	got, err := c.Patch(ctx, "x", p)
	require.NoError(t, err)
	require.Equal(t, "2", got.Metadata.ResourceVersion)

	require.Len(t, f.reqs, 1)
	req := f.reqs[0]
	require.Equal(t, http.MethodPatch, req.Method)
	require.Equal(t, []string{"api", "apps", "x"}, req.Path)
	require.Equal(t, ContentTypeMergePatch, req.ContentType)
	require.JSONEq(t, `{"spec":{"old":null}}`, string(req.Body))
	require.Equal(t, "patch", req.Operation)
	require.Equal(t, "apps", req.Collection)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	f := &fakeExec{resps: []*transport.Response{{Status: http.StatusOK, Body: []byte(`not json`)}}}
	c := New[widget](f, "apps", "apps")

	_, err := c.Get(ctx, "x")
	require.ErrorIs(t, err, errs.ErrMalformed)

	_, err = c.Get(ctx, "")
	require.ErrorIs(t, err, errs.ErrClient)
	_, err = c.Update(ctx, &widget{})
	require.ErrorIs(t, err, errs.ErrClient)
	require.ErrorIs(t, c.Delete(ctx, ""), errs.ErrClient)

	_, err = c.Patch(ctx, "x", RawMergePatch(`{broken`))
	require.ErrorIs(t, err, errs.ErrClient)
	require.Len(t, f.reqs, 1, "invalid input must not reach the executor")

	f.errs = []error{nil, errs.ErrServer}
	require.ErrorIs(t, c.Delete(ctx, "x"), errs.ErrServer)
	require.NoError(t, c.Delete(ctx, "x"))
}

func TestCreate_NoBodyNoName(t *testing.T) {
	f := &fakeExec{resps: []*transport.Response{{Status: http.StatusCreated, Header: http.Header{}}}}
	c := New[widget](f, "apps", "apps")
	_, err := c.Create(context.Background(), &widget{})
	require.ErrorIs(t, err, errs.ErrMalformed)
}

func TestNameFromLocation(t *testing.T) {
	require.Equal(t, "dev1", nameFromLocation("/api/registry/v1alpha1/apps/app/devices/dev1"))
	require.Equal(t, "a/b", nameFromLocation("https://x/apps/a%2Fb"))
	require.Equal(t, "", nameFromLocation(""))
}

func TestDiff(t *testing.T) {
	a := widget{Metadata: meta.NonScopedMetadata{Name: "w", Labels: map[string]string{"x": "1", "y": "2"}}}
	b := a
	b.Metadata.Labels = map[string]string{"x": "1", "z": "3"}

	p, err := Diff(a, b)
	require.NoError(t, err)
	require.JSONEq(t, `{"metadata":{"labels":{"y":null,"z":"3"}}}`, string(p))
	require.Equal(t, ContentTypeMergePatch, p.ContentType())
}

func TestJSONPatch_Body(t *testing.T) {
	body, err := JSONPatch{}.Add("/spec/core", map[string]any{"disabled": true}).
		Replace("/metadata/labels/a", nil).
		Move("/spec/a", "/spec/b").
		RemoveOp("/spec/old").Body()
	require.NoError(t, err)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(body, &ops))
	require.Len(t, ops, 4)
	require.Contains(t, ops[1], "value")
	require.Nil(t, ops[1]["value"])
	require.NotContains(t, ops[3], "value")
	require.Equal(t, "/spec/a", ops[2]["from"])

	empty, err := JSONPatch(nil).Body()
	require.NoError(t, err)
	require.Equal(t, "[]", string(empty))
}

func TestRawPatches(t *testing.T) {
	_, err := RawJSONPatch(`[{"op":"remove","path":"/a"}]`).Body()
	require.NoError(t, err)
	_, err = RawJSONPatch(`{"op":"remove"}`).Body()
	require.Error(t, err)
	require.Equal(t, ContentTypeJSONPatch, RawJSONPatch(nil).ContentType())

	_, err = RawMergePatch(`{"a":null}`).Body()
	require.NoError(t, err)
}

func TestClient_ListSelector(t *testing.T) {
	ctx := context.Background()
	_, c := newRegistry(t)

	for name, zone := range map[string]string{"w1": "a", "w2": "b", "w3": "c"} {
		_, err := c.Create(ctx, &widget{Metadata: meta.NonScopedMetadata{Name: name, Labels: map[string]string{"zone": zone}}})
		require.NoError(t, err)
	}

	got, err := c.List(ctx, ListOptions{Selector: LabelSelector{In("zone", "a", "c"), NotExists("legacy")}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = c.List(ctx, ListOptions{Labels: []string{"zone"}, Selector: LabelSelector{NotIn("zone", "a", "b")}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "w3", got[0].Metadata.Name)
}

func TestLabelSelector_String(t *testing.T) {
	tests := []struct {
		sel  LabelSelector
		want string
	}{
		{LabelSelector{Eq("zone", "a")}, "zone=a"},
		{LabelSelector{NotEq("zone", "a")}, "zone!=a"},
		{LabelSelector{In("zone", "a", "b")}, "zone in (a, b)"},
		{LabelSelector{NotIn("zone", "a")}, "zone notin (a)"},
		{LabelSelector{Exists("tier"), NotExists("legacy")}, "tier,!legacy"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := tt.sel.String(); got != tt.want {
			t.Fatalf("selector %v: got %q, want %q", tt.sel.Strings(), got, tt.want)
		}
	}
}
