package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/tokens"

	"github.com/golang-jwt/jwt/v5"
)

const defaultBaseURL = "https://api.github.com"

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID          int64
	PrivateKeyPath string
	BaseURL        string
}

// InstallationIDFromPayload extracts the GitHub App installation ID.
func InstallationIDFromPayload(payload []byte) (string, bool, error) {
	var raw struct {
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", false, err
	}
	if raw.Installation.ID == 0 {
		return "", false, nil
	}
	return strconv.FormatInt(raw.Installation.ID, 10), true, nil
}

// AppAuthenticator signs short-lived app assertions and exchanges them for
// installation tokens. It implements tokens.Minter.
type AppAuthenticator struct {
	appID    int64
	keyPath  string
	baseURL  string
	client   *http.Client
	keyOnce  sync.Once
	key      *rsa.PrivateKey
	keyError error
}

// NewAppAuthenticator creates an authenticator for a GitHub App.
func NewAppAuthenticator(cfg AppConfig) *AppAuthenticator {
	return &AppAuthenticator{
		appID:   cfg.AppID,
		keyPath: cfg.PrivateKeyPath,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// MintInstallationToken exchanges a fresh app assertion for an installation
// access token. GitHub states the token validity, typically one hour.
func (a *AppAuthenticator) MintInstallationToken(ctx context.Context, installationID string) (tokens.Token, error) {
	assertion, err := a.appAssertion()
	if err != nil {
		return tokens.Token{}, apperror.Unauthenticated(err)
	}

	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return tokens.Token{}, apperror.Network(err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return tokens.Token{}, apperror.Network(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("github token exchange failed: %s", strings.TrimSpace(string(body)))
		return tokens.Token{}, apperror.FromStatus(resp.StatusCode, rateLimitReset(resp), cause)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return tokens.Token{}, apperror.Network(err)
	}
	if out.Token == "" {
		return tokens.Token{}, apperror.ServerError(errors.New("github installation token missing from response"))
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	return tokens.Token{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil
}

// appAssertion mints the short-lived signed app JWT. Issued-at is offset
// backwards to tolerate clock skew between us and GitHub.
func (a *AppAuthenticator) appAssertion() (string, error) {
	key, err := a.privateKey()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(a.appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

func (a *AppAuthenticator) privateKey() (*rsa.PrivateKey, error) {
	a.keyOnce.Do(func() {
		keyBytes, err := os.ReadFile(a.keyPath)
		if err != nil {
			a.keyError = err
			return
		}
		block, _ := pem.Decode(keyBytes)
		if block == nil {
			a.keyError = errors.New("github private key PEM decode failed")
			return
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			a.key = key
			return
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			a.keyError = err
			return
		}
		typed, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			a.keyError = errors.New("github private key is not RSA")
			return
		}
		a.key = typed
	})
	if a.keyError != nil {
		return nil, a.keyError
	}
	if a.key == nil {
		return nil, errors.New("github private key not loaded")
	}
	return a.key, nil
}

// rateLimitReset returns the quota reset time, but only when the quota is
// actually exhausted; GitHub sends the header on every response.
func rateLimitReset(resp *http.Response) time.Time {
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return time.Time{}
	}
	raw := resp.Header.Get("X-RateLimit-Reset")
	if raw == "" {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
