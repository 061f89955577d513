package resource

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Content types of the supported patch documents.
const (
	ContentTypeMergePatch = "application/merge-patch+json"
	ContentTypeJSONPatch  = "application/json-patch+json"
	contentTypeJSON       = "application/json"
)

// Patch is a document sent verbatim with a PATCH request.
type Patch interface {
	ContentType() string
	Body() ([]byte, error)
}

// MergePatch is a JSON merge patch (RFC 7386). A nil value removes the key on the server.
type MergePatch map[string]any

// ContentType implements Patch.
func (p MergePatch) ContentType() string { return ContentTypeMergePatch }

// Body implements Patch.
func (p MergePatch) Body() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}

// Set places value at the nested key path, creating intermediate objects.
func (p MergePatch) Set(value any, path ...string) MergePatch {
	if len(path) == 0 {
		return p
	}
	cur := map[string]any(p)
	for _, k := range path[:len(path)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return p
}

// Remove marks the nested key path for removal.
func (p MergePatch) Remove(path ...string) MergePatch { return p.Set(nil, path...) }

// RawMergePatch is a pre-encoded merge patch.
type RawMergePatch []byte

// ContentType implements Patch.
func (p RawMergePatch) ContentType() string { return ContentTypeMergePatch }

// Body implements Patch.
func (p RawMergePatch) Body() ([]byte, error) {
	if !json.Valid(p) {
		return nil, fmt.Errorf("merge patch is not valid JSON")
	}
	return p, nil
}

// Diff builds the merge patch that turns original into modified. Both are encoded
// as JSON first, so they may be resources or plain values.
func Diff(original, modified any) (RawMergePatch, error) {
	a, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("encode original: %w", err)
	}
	b, err := json.Marshal(modified)
	if err != nil {
		return nil, fmt.Errorf("encode modified: %w", err)
	}
	p, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return nil, fmt.Errorf("create merge patch: %w", err)
	}
	return RawMergePatch(p), nil
}

// Operation is a single RFC 6902 operation.
type Operation struct {
	Op    string
	Path  string
	From  string
	Value any
}

// MarshalJSON emits "value" only for operations that carry one, so a nil value is sent as null.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": o.Op, "path": o.Path}
	if o.From != "" {
		m["from"] = o.From
	}
	switch o.Op {
	case "add", "replace", "test":
		m["value"] = o.Value
	}
	return json.Marshal(m)
}

// JSONPatch is an RFC 6902 document.
type JSONPatch []Operation

// ContentType implements Patch.
func (p JSONPatch) ContentType() string { return ContentTypeJSONPatch }

// Body implements Patch. The encoded document is checked to be a well-formed patch.
func (p JSONPatch) Body() ([]byte, error) {
	if p == nil {
		p = JSONPatch{}
	}
	b, err := json.Marshal([]Operation(p))
	if err != nil {
		return nil, err
	}
	if _, err := jsonpatch.DecodePatch(b); err != nil {
		return nil, fmt.Errorf("invalid json patch: %w", err)
	}
	return b, nil
}

func (p JSONPatch) with(op, path string, value any) JSONPatch {
	return append(p, Operation{Op: op, Path: path, Value: value})
}

// Add appends an "add" operation.
func (p JSONPatch) Add(path string, value any) JSONPatch { return p.with("add", path, value) }

// Replace appends a "replace" operation.
func (p JSONPatch) Replace(path string, value any) JSONPatch { return p.with("replace", path, value) }

// Test appends a "test" operation.
func (p JSONPatch) Test(path string, value any) JSONPatch { return p.with("test", path, value) }

// RemoveOp appends a "remove" operation.
func (p JSONPatch) RemoveOp(path string) JSONPatch {
	return append(p, Operation{Op: "remove", Path: path})
}

// Move appends a "move" operation.
func (p JSONPatch) Move(from, path string) JSONPatch {
	return append(p, Operation{Op: "move", From: from, Path: path})
}

// RawJSONPatch is a pre-encoded RFC 6902 document.
type RawJSONPatch []byte

// ContentType implements Patch.
func (p RawJSONPatch) ContentType() string { return ContentTypeJSONPatch }

// Body implements Patch.
func (p RawJSONPatch) Body() ([]byte, error) {
	if _, err := jsonpatch.DecodePatch(p); err != nil {
		return nil, fmt.Errorf("invalid json patch: %w", err)
	}
	return p, nil
}
