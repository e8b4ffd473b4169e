// Package creds persists per-tenant upstream credential bundles on disk.
package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrTenantID is returned for tenant identifiers that are unsafe as a
// directory name.
var ErrTenantID = errors.New("invalid tenant id")

const bundleFile = "creds.json"

// Store keeps one credential bundle per tenant under
// <baseDir>/<tenantID>/creds.json. Bundles are opaque to the gateway.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed and fails when it cannot be
// used, since that would block every tenant.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// ValidateTenantID rejects identifiers that could escape the per-tenant
// directory or collide with path syntax.
func ValidateTenantID(id string) error {
	if !utf8.ValidString(id) || utf8.RuneCountInString(id) < 3 {
		return fmt.Errorf("%w: must be valid UTF-8 of at least 3 characters", ErrTenantID)
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." || strings.Contains(id, "..") {
		return fmt.Errorf("%w: must not contain path separators", ErrTenantID)
	}
	return nil
}

// Dir returns the tenant's credential directory path.
func (s *Store) Dir(tenantID string) string {
	return filepath.Join(s.baseDir, tenantID)
}

// Load returns the stored bundle, or nil when the tenant has no credentials.
func (s *Store) Load(tenantID string) ([]byte, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(tenantID), bundleFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", tenantID, err)
	}
	return data, nil
}

// Save writes the bundle crash-safely: temp file in the same directory, then
// rename.
func (s *Store) Save(tenantID string, bundle []byte) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	dir := s.Dir(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create tenant dir: %w", err)
	}

	path := filepath.Join(dir, bundleFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bundle, 0o600); err != nil {
		return fmt.Errorf("write credentials for %s: %w", tenantID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials for %s: %w", tenantID, err)
	}
	return nil
}

// Purge removes the tenant directory recursively. Removing a tenant that has
// no stored credentials is not an error.
func (s *Store) Purge(tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(tenantID)); err != nil {
		return fmt.Errorf("purge credentials for %s: %w", tenantID, err)
	}
	return nil
}

// Exists reports whether the tenant has a stored bundle.
func (s *Store) Exists(tenantID string) bool {
	if ValidateTenantID(tenantID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Dir(tenantID), bundleFile))
	return err == nil
}
