package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codexdrive/core/internal/coreerr"
)

// AuthFileName is the API-key store's file name inside the home directory.
const AuthFileName = "auth.json"

// AuthState is the on-disk record loginApiKey writes and getAuthStatus
// reads back. There is no OAuth/refresh-token flow here; the core only
// ever persists a single API key.
type AuthState struct {
	APIKey string `json:"api_key"`
}

// AuthPath resolves the auth store's path under home.
func AuthPath(home string) string {
	return filepath.Join(home, AuthFileName)
}

// LoadAuth reads home's auth store. A missing file is reported as a zero
// AuthState, not an error — getAuthStatus for a never-logged-in core.
func LoadAuth(home string) (AuthState, error) {
	raw, err := os.ReadFile(AuthPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return AuthState{}, nil
		}
		return AuthState{}, coreerr.Wrap(coreerr.Internal, err, "failed to read auth store")
	}

	var state AuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return AuthState{}, coreerr.Wrap(coreerr.Internal, err, "failed to decode auth store")
	}
	return state, nil
}

// SaveAuth persists state to home's auth store atomically, the same
// temp-file-then-rename pattern Save uses for config.toml.
func SaveAuth(home string, state AuthState) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to create home directory")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to encode auth store")
	}

	tmp, err := os.CreateTemp(home, fmt.Sprintf(".%s.tmp-*", AuthFileName))
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to create temp auth file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return coreerr.Wrap(coreerr.Internal, err, "failed to write temp auth file")
	}
	if err := tmp.Close(); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to close temp auth file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to chmod temp auth file")
	}
	if err := os.Rename(tmpPath, AuthPath(home)); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to install auth file")
	}
	return nil
}
