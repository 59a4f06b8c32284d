package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const localVaultVersion = 1

// localVaultFile is the on-disk shape: refs map to base64 AES-256-GCM
// ciphertexts (nonce-prefixed). The data key never touches disk.
type localVaultFile struct {
	Version int               `json:"version"`
	Secrets map[string]string `json:"secrets"`
}

// LocalVault is a file-backed Resolver for single-node deployments.
// Secrets are held as ciphertext in memory and decrypted per Resolve,
// with the ref bound as GCM additional data so entries cannot be
// swapped between references.
type LocalVault struct {
	path    string
	dataKey []byte

	mu      sync.RWMutex
	secrets map[string]string
}

// NewLocalVault opens (or prepares to create) the vault file at path.
// The 32-byte data key is derived from masterKey with HKDF-SHA256, so
// any sufficiently long master secret works.
func NewLocalVault(path string, masterKey []byte) (*LocalVault, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("vault: master key must be at least 16 bytes")
	}

	kdf := hkdf.New(sha256.New, masterKey, []byte("moat-vault-kdf"), []byte("data-key-v1"))
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, fmt.Errorf("vault: derive data key: %w", err)
	}

	v := &LocalVault{path: path, dataKey: dataKey, secrets: make(map[string]string)}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *LocalVault) load() error {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vault: read %s: %w", v.path, err)
	}
	var f localVaultFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("vault: parse %s: %w", v.path, err)
	}
	if f.Version != localVaultVersion {
		return fmt.Errorf("vault: unsupported file version %d", f.Version)
	}
	if f.Secrets != nil {
		v.secrets = f.Secrets
	}
	return nil
}

func (v *LocalVault) persistLocked() error {
	f := localVaultFile{Version: localVaultVersion, Secrets: v.secrets}
	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vault: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("vault: replace %s: %w", v.path, err)
	}
	return nil
}

// Put encrypts and stores token under ref, then persists the file.
func (v *LocalVault) Put(_ context.Context, ref, token string) error {
	if ref == "" {
		return errors.New("vault: ref must not be empty")
	}
	ct, err := v.encrypt(ref, token)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.secrets[ref]
	v.secrets[ref] = ct
	if err := v.persistLocked(); err != nil {
		if had {
			v.secrets[ref] = prev
		} else {
			delete(v.secrets, ref)
		}
		return err
	}
	return nil
}

// Resolve decrypts the secret stored under ref.
func (v *LocalVault) Resolve(_ context.Context, ref string) (*Credential, error) {
	v.mu.RLock()
	ct, ok := v.secrets[ref]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	token, err := v.decrypt(ref, ct)
	if err != nil {
		return nil, err
	}
	return &Credential{Ref: ref, Token: token}, nil
}

// Delete removes ref and persists the file.
func (v *LocalVault) Delete(_ context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.secrets[ref]
	if !had {
		return nil
	}
	delete(v.secrets, ref)
	if err := v.persistLocked(); err != nil {
		v.secrets[ref] = prev
		return err
	}
	return nil
}

// Refs lists stored references, sorted. Tokens are not exposed.
func (v *LocalVault) Refs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.secrets))
	for ref := range v.secrets {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Path returns the vault file location.
func (v *LocalVault) Path() string {
	return filepath.Clean(v.path)
}

func (v *LocalVault) encrypt(ref, plaintext string) (string, error) {
	block, err := aes.NewCipher(v.dataKey)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	ct := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(ref))
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (v *LocalVault) decrypt(ref, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decode %s: %w", ref, err)
	}
	block, err := aes.NewCipher(v.dataKey)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("vault: ciphertext for %s too short", ref)
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, []byte(ref))
	if err != nil {
		return "", fmt.Errorf("vault: decrypt %s: %w", ref, err)
	}
	return string(pt), nil
}
