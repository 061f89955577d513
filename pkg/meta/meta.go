// Package meta contains the metadata envelope shared by all registry resources.
package meta

import (
	"slices"
	"time"
)

// Object is implemented by every registry resource.
type Object interface {
	// ObjectMeta returns the resource's common metadata for reading and editing.
	ObjectMeta() *NonScopedMetadata
}

// NonScopedMetadata is the metadata of a top-level resource.
type NonScopedMetadata struct {
	Name              string            `json:"name"`
	UID               string            `json:"uid,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitzero"`
	Generation        int64             `json:"generation,omitempty"`
	ResourceVersion   string            `json:"resourceVersion,omitempty"`
	DeletionTimestamp *time.Time        `json:"deletionTimestamp,omitempty"`
	Finalizers        []string          `json:"finalizers,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
}

// ScopedMetadata is the metadata of a resource owned by an application.
type ScopedMetadata struct {
	Application string `json:"application"`
	NonScopedMetadata
}

// Deleting reports whether deletion was requested and finalizers are pending.
func (m *NonScopedMetadata) Deleting() bool { return m.DeletionTimestamp != nil }

// EnsureFinalizer adds name if missing and reports whether it was added.
// Nothing is added to a resource that is being deleted.
func (m *NonScopedMetadata) EnsureFinalizer(name string) bool {
	if m.Deleting() || slices.Contains(m.Finalizers, name) {
		return false
	}
	m.Finalizers = append(m.Finalizers, name)
	return true
}

// RemoveFinalizer drops name and reports whether it was present.
func (m *NonScopedMetadata) RemoveFinalizer(name string) bool {
	n := len(m.Finalizers)
	m.Finalizers = slices.DeleteFunc(m.Finalizers, func(f string) bool { return f == name })
	return len(m.Finalizers) != n
}

// SetLabel sets a label, allocating the map when needed.
func (m *NonScopedMetadata) SetLabel(key, value string) {
	if m.Labels == nil {
		m.Labels = map[string]string{}
	}
	m.Labels[key] = value
}

// SetAnnotation sets an annotation, allocating the map when needed.
func (m *NonScopedMetadata) SetAnnotation(key, value string) {
	if m.Annotations == nil {
		m.Annotations = map[string]string{}
	}
	m.Annotations[key] = value
}

// Kind names a registry collection.
type Kind string

// Registry collections.
const (
	KindApplication Kind = "Application"
	KindDevice      Kind = "Device"
)

// Ref identifies a resource. Application is empty for applications.
type Ref struct {
	Kind        Kind
	Application string
	Name        string
}

// String formats the reference as "Kind app/name".
func (r Ref) String() string {
	if r.Application == "" {
		return string(r.Kind) + " " + r.Name
	}
	return string(r.Kind) + " " + r.Application + "/" + r.Name
}
