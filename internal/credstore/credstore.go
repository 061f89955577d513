// Package credstore persists the access credential in an encrypted file.
//
// File layout: salt (16) | nonce (24) | XChaCha20-Poly1305 ciphertext of the JSON
// credential. The key is derived from a passphrase with Argon2id.
package credstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/iotcloud-client/pkg/token"
)

const (
	saltLen = 16
	keyLen  = chacha20poly1305.KeySize

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var aad = []byte("iotcloud-credential-v1")

// ErrNoPassphrase is returned when the store is used without a passphrase.
var ErrNoPassphrase = errors.New("credential store passphrase is empty")

// File stores one credential at Path.
type File struct {
	path       string
	passphrase []byte
}

var _ token.Store = (*File)(nil)

// New returns a store at path. An empty path selects DefaultPath().
func New(path, passphrase string) *File {
	if path == "" {
		path = DefaultPath()
	}
	return &File{path: path, passphrase: []byte(passphrase)}
}

// Dir returns the per-user configuration directory of the client.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "iotcloud")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "iotcloud")
}

// DefaultPath is the credential file inside Dir().
func DefaultPath() string { return filepath.Join(Dir(), "credential.bin") }

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Load implements token.Store. A missing file yields an empty credential.
func (f *File) Load(context.Context) (token.Credential, error) {
	if len(f.passphrase) == 0 {
		return token.Credential{}, ErrNoPassphrase
	}
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return token.Credential{}, nil
	}
	if err != nil {
		return token.Credential{}, fmt.Errorf("read credential: %w", err)
	}
	plain, err := open(f.passphrase, blob)
	if err != nil {
		return token.Credential{}, fmt.Errorf("decrypt credential: %w", err)
	}
	var c token.Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return token.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return c, nil
}

// Save implements token.Store. The file is replaced atomically.
func (f *File) Save(_ context.Context, c token.Credential) error {
	if len(f.passphrase) == 0 {
		return ErrNoPassphrase
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	blob, err := seal(f.passphrase, plain)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)
}

func seal(passphrase, plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, aad), nil
}

func open(passphrase, blob []byte) ([]byte, error) {
	if len(blob) < saltLen+chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ct := blob[saltLen+chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, aad)
}
