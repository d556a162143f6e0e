// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"
)

// Argon2id parameters for deriving the file store's AES key from its
// master key. Matches the conservative defaults used elsewhere in the
// ecosystem for this workload (interactive, not hot-path).
const (
	fileKeyTime        = 3
	fileKeyMemoryKB    = 64 * 1024
	fileKeyParallelism = 4
	fileKeyLength      = 32
	fileGCMNonceSize   = 12
)

// FileSecretStore is the headless-server fallback for StoreCredential /
// ResolveCredential's "keychain:" path: an AES-256-GCM encrypted JSON
// file instead of the OS keychain, for hosts with no Secret Service
// (CI runners, containers). The master key comes from
// ROVER_MASTER_KEY or ~/.config/rover-autopilot/master.key; there is no
// interactive prompt here, since both callers of this store (the daemon
// at startup and the "secrets" CLI command) already have the value or
// fail closed.
type FileSecretStore struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
}

type encryptedSecrets struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileSecretStore opens (without yet reading) the encrypted secret
// file at path, defaulting to ~/.config/rover-autopilot/secrets.enc. It
// fails if no master key can be resolved, rather than returning an
// unusable store silently.
func NewFileSecretStore(path string) (*FileSecretStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config directory: %w", err)
		}
		path = filepath.Join(configDir, "rover-autopilot", "secrets.enc")
	}

	key, err := resolveFileMasterKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	return &FileSecretStore{path: path, masterKey: key}, nil
}

// Get decrypts and returns the secret stored under key.
func (f *FileSecretStore) Get(key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := secrets[key]
	if !ok {
		return "", &conductorerrors.ConfigError{Key: key, Reason: "no file secret entry found"}
	}
	return value, nil
}

// Set encrypts and stores value under key, merging with whatever is
// already in the file.
func (f *FileSecretStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value
	return f.save(secrets)
}

func (f *FileSecretStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var enc encryptedSecrets
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("invalid secrets file format: %w", err)
	}

	derivedKey := argon2.IDKey(f.masterKey, enc.Salt, fileKeyTime, fileKeyMemoryKB, fileKeyParallelism, fileKeyLength)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("constructing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secrets file (wrong master key?): %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("invalid decrypted secrets format: %w", err)
	}
	return secrets, nil
}

func (f *FileSecretStore) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	derivedKey := argon2.IDKey(f.masterKey, salt, fileKeyTime, fileKeyMemoryKB, fileKeyParallelism, fileKeyLength)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return fmt.Errorf("constructing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("constructing GCM: %w", err)
	}
	nonce := make([]byte, fileGCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	enc := encryptedSecrets{Salt: salt, Nonce: nonce, Data: ciphertext}
	out, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshaling encrypted secrets: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming secrets file into place: %w", err)
	}
	return nil
}

func resolveFileMasterKey() ([]byte, error) {
	if key := os.Getenv("ROVER_MASTER_KEY"); key != "" {
		return []byte(key), nil
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		keyPath := filepath.Join(configDir, "rover-autopilot", "master.key")
		if key, err := os.ReadFile(keyPath); err == nil {
			return key, nil
		}
	}

	return nil, errors.New("no master key available (set ROVER_MASTER_KEY or create ~/.config/rover-autopilot/master.key)")
}
