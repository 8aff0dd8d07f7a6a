package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Tiliavir/worktime-epaper/internal/model"
)

// ErrStorage is matched by every error returned from a CredentialStore.
var ErrStorage = errors.New("credential storage error")

// Error describes a failed load or save of the credential record.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage error %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for every *Error.
func (e *Error) Is(target error) bool { return target == ErrStorage }

// record is the persisted JSON shape. access_expiry uses model.ExpiryLayout.
type record struct {
	AccessToken  string `json:"access_token"`
	AccessExpiry string `json:"access_expiry"`
	RefreshToken string `json:"refresh_token"`
}

// BaseDir returns the root data directory (~/.worktime).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".worktime"), nil
}

// CredentialStore keeps the credential triple in a single JSON file.
type CredentialStore struct {
	path string
	loc  *time.Location
}

// NewCredentialStore returns a store backed by path. Expiry timestamps are
// interpreted in loc; nil means time.Local.
func NewCredentialStore(path string, loc *time.Location) *CredentialStore {
	if loc == nil {
		loc = time.Local
	}
	return &CredentialStore{path: path, loc: loc}
}

// Path returns the backing file path.
func (s *CredentialStore) Path() string { return s.path }

// Load reads the credential record. A missing, unreadable, or incomplete
// record is an error; there is no fallback.
func (s *CredentialStore) Load() (model.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return model.Credential{}, &Error{Op: "reading", Path: s.path, Err: err}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Credential{}, &Error{Op: "parsing", Path: s.path, Err: err}
	}

	switch {
	case rec.AccessToken == "":
		return model.Credential{}, &Error{Op: "parsing", Path: s.path, Err: errors.New("missing access_token")}
	case rec.RefreshToken == "":
		return model.Credential{}, &Error{Op: "parsing", Path: s.path, Err: errors.New("missing refresh_token")}
	case rec.AccessExpiry == "":
		return model.Credential{}, &Error{Op: "parsing", Path: s.path, Err: errors.New("missing access_expiry")}
	}

	expiry, err := time.ParseInLocation(model.ExpiryLayout, rec.AccessExpiry, s.loc)
	if err != nil {
		return model.Credential{}, &Error{Op: "parsing", Path: s.path, Err: fmt.Errorf("access_expiry: %w", err)}
	}

	return model.Credential{
		AccessToken:  rec.AccessToken,
		AccessExpiry: expiry,
		RefreshToken: rec.RefreshToken,
	}, nil
}

// Save atomically replaces the credential record.
func (s *CredentialStore) Save(c model.Credential) error {
	if !c.Complete() {
		return &Error{Op: "saving", Path: s.path, Err: errors.New("refusing to persist incomplete credential")}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return &Error{Op: "creating directories for", Path: s.path, Err: err}
	}

	data, err := json.MarshalIndent(record{
		AccessToken:  c.AccessToken,
		AccessExpiry: c.AccessExpiry.In(s.loc).Format(model.ExpiryLayout),
		RefreshToken: c.RefreshToken,
	}, "", "  ")
	if err != nil {
		return &Error{Op: "marshalling", Path: s.path, Err: err}
	}

	// Atomic write: write to temp file then rename.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return &Error{Op: "writing temp file for", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Op: "renaming temp file for", Path: s.path, Err: err}
	}
	return nil
}
