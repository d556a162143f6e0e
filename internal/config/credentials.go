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
	"errors"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"
)

// keychainService is the system keychain service name under which every
// rover credential is stored.
const keychainService = "rover-autopilot"

// ResolveCredential resolves a provider API key or hosting token reference.
// Four forms are accepted:
//
//	env:NAME        - read from the NAME environment variable
//	keychain:KEY    - read from the system keychain under KEY
//	file:KEY        - read from the encrypted file secret store under KEY
//	<anything else> - returned unchanged (a plaintext value)
func ResolveCredential(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", &conductorerrors.ConfigError{
				Key:    name,
				Reason: "environment variable not set",
			}
		}
		return v, nil

	case strings.HasPrefix(value, "keychain:"):
		key := strings.TrimPrefix(value, "keychain:")
		v, err := keyring.Get(keychainService, key)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", &conductorerrors.ConfigError{
					Key:    key,
					Reason: "no keychain entry found",
				}
			}
			return "", &conductorerrors.ConfigError{
				Key:    key,
				Reason: "keychain is locked or inaccessible",
				Cause:  err,
			}
		}
		return v, nil

	case strings.HasPrefix(value, "file:"):
		key := strings.TrimPrefix(value, "file:")
		store, err := NewFileSecretStore("")
		if err != nil {
			return "", &conductorerrors.ConfigError{
				Key:    key,
				Reason: "file secret store unavailable",
				Cause:  err,
			}
		}
		v, err := store.Get(key)
		if err != nil {
			return "", err
		}
		return v, nil

	default:
		return value, nil
	}
}

// StoreCredential writes a value to the system keychain under key, for use
// with a "keychain:KEY" reference.
func StoreCredential(key, value string) error {
	if err := keyring.Set(keychainService, key, value); err != nil {
		return &conductorerrors.ConfigError{
			Key:    key,
			Reason: "failed to write keychain entry",
			Cause:  err,
		}
	}
	return nil
}

// StoreCredentialInFile writes a value to the encrypted file secret
// store under key, for use with a "file:KEY" reference. This is the
// headless-server path when no OS keychain is available.
func StoreCredentialInFile(key, value string) error {
	store, err := NewFileSecretStore("")
	if err != nil {
		return &conductorerrors.ConfigError{
			Key:    key,
			Reason: "file secret store unavailable",
			Cause:  err,
		}
	}
	return store.Set(key, value)
}
