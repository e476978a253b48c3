package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Key custody failures. None of them carry a filesystem path.
var (
	errKeyOutsideBase = errors.New("key path escapes key base directory")
	errKeyMissing     = errors.New("key file missing")
	errKeyUnreadable  = errors.New("key file unreadable")
	errKeyFormat      = errors.New("unsupported key format")
	errNoKeyPath      = errors.New("facility has no key path")
)

// KeyPathSource resolves a facility's signing key location.
type KeyPathSource interface {
	GetFacilityKeyPath(ctx context.Context, facilityID string) (string, error)
}

// KeyStore loads facility private keys, confined to a base directory.
type KeyStore struct {
	baseDir string
	paths   KeyPathSource
}

func NewKeyStore(baseDir string, paths KeyPathSource) *KeyStore {
	return &KeyStore{baseDir: baseDir, paths: paths}
}

// PrivateKey loads the facility's signing key. Registry errors pass through;
// every filesystem or parse failure is reduced to a path-free error.
func (k *KeyStore) PrivateKey(ctx context.Context, facilityID string) (crypto.Signer, error) {
	rel, err := k.paths.GetFacilityKeyPath(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	path, err := ContainedPath(k.baseDir, rel)
	if err != nil {
		return nil, err
	}
	data, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data)
}

// ContainedPath resolves rel against base and returns the real path only if
// it lies strictly inside base after cleaning and following symlinks.
func ContainedPath(base, rel string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errKeyOutsideBase
	}
	if strings.TrimSpace(rel) == "" {
		return "", errNoKeyPath
	}

	realBase, err := filepath.EvalSymlinks(filepath.Clean(base))
	if err != nil {
		return "", errKeyUnreadable
	}
	realBase, err = filepath.Abs(realBase)
	if err != nil {
		return "", errKeyUnreadable
	}

	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(realBase, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Reject lexically escaping paths before touching the filesystem.
	if !inside(realBase, candidate) {
		return "", errKeyOutsideBase
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errKeyMissing
		}
		return "", errKeyUnreadable
	}
	if !inside(realBase, real) {
		return "", errKeyOutsideBase
	}
	return real, nil
}

func inside(base, path string) bool {
	r, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(r)
}

func readKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errKeyMissing
	}
	if !info.Mode().IsRegular() {
		return nil, errKeyUnreadable
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errKeyUnreadable
	}
	return data, nil
}

// ParsePrivateKey decodes a PEM private key: PKCS#8, PKCS#1 RSA or SEC 1 EC.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errKeyFormat
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errKeyFormat
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		}
		return nil, errKeyFormat
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errKeyFormat
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errKeyFormat
		}
		return k, nil
	}
	return nil, errKeyFormat
}

// ParsePublicKey decodes a PEM public key (PKIX or PKCS#1 RSA).
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errKeyFormat
	}
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errKeyFormat
		}
		return k, nil
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errKeyFormat
		}
		return k, nil
	}
	return nil, errKeyFormat
}

// LoadPublicKey reads a PEM public key file.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errKeyUnreadable
	}
	return ParsePublicKey(data)
}
