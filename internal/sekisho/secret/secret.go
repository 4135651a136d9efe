// Package secret manages the workspace signing key file.
//
// The key is 32 random bytes, hex-encoded into auth/.secret_key with mode
// 0600. It is minted exactly once per workspace; every token ever issued
// there is signed with it. There is no in-memory fallback: a workspace
// whose key cannot be read or persisted refuses to start, because tokens
// signed with an ephemeral key would all die with the process.
package secret

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bdobrica/Sekisho/common/crypto"
)

// LoadOrCreate returns the signing key stored at path, generating and
// persisting a fresh one when the file does not exist yet. An existing but
// unparsable file is an error, never silently replaced: regenerating the
// key would strand every outstanding token.
func LoadOrCreate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, perr := crypto.ParseKey(string(data))
		if perr != nil {
			return nil, fmt.Errorf("secret: key file %s: %w", path, perr)
		}
		return key, nil
	case os.IsNotExist(err):
		return create(path)
	default:
		return nil, fmt.Errorf("secret: read key file: %w", err)
	}
}

func create(path string) ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secret: create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("secret: persist key: %w", err)
	}
	return key, nil
}
