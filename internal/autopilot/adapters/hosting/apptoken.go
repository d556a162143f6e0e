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

package hosting

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AppTokenSource mints short-lived GitHub App installation tokens,
// exchanging a signed JWT (app id + private key) for an installation
// access token. It satisfies oauth2.TokenSource so callers can wrap an
// *http.Client with oauth2.NewClient the same way any other OAuth-backed
// adapter would.
type AppTokenSource struct {
	appID          string
	installationID string
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client
}

// NewAppTokenSource constructs a token source for the given GitHub App
// installation.
func NewAppTokenSource(appID, installationID string, privateKey *rsa.PrivateKey, httpClient *http.Client) *AppTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
		httpClient:     httpClient,
	}
}

// Token implements oauth2.TokenSource: it mints a nine-minute app JWT, then
// exchanges it for an installation access token good for about an hour.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	appJWT, err := s.signAppJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to sign app JWT: %w", err)
	}

	installToken, expiresAt, err := s.exchangeInstallationToken(appJWT)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange installation token: %w", err)
	}

	return &oauth2.Token{
		AccessToken: installToken,
		TokenType:   "Bearer",
		Expiry:      expiresAt,
	}, nil
}

func (s *AppTokenSource) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    s.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *AppTokenSource) exchangeInstallationToken(appJWT string) (string, time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("https://api.github.com/app/installations/%s/access_tokens", s.installationID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(nil))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("installation token exchange failed (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", time.Time{}, err
	}
	return parsed.Token, parsed.ExpiresAt, nil
}
