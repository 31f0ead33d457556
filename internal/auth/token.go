package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// refreshSkew renews a token this long before its exp claim.
const refreshSkew = 30 * time.Second

// TokenSource hands out bearer tokens for the REST API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for pre-issued tokens.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// PasswordClient obtains tokens with the OAuth2 password grant and refreshes
// them ahead of expiry.
type PasswordClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	username     string
	password     string
	httpClient   *http.Client
	now          func() time.Time

	mutex        sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

type PasswordClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	HTTPClient   *http.Client
}

func NewPasswordClient(config PasswordClientConfig) *PasswordClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &PasswordClient{
		tokenURL:     config.TokenURL,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		username:     config.Username,
		password:     config.Password,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

// Token returns the cached token, refreshing or re-authenticating when it is
// about to expire.
func (k *PasswordClient) Token(ctx context.Context) (string, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.accessToken != "" && k.now().Add(refreshSkew).Before(k.expiresAt) {
		return k.accessToken, nil
	}

	if k.refreshToken != "" {
		resp, err := k.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {k.refreshToken},
		})
		if err == nil {
			k.store(resp)
			return k.accessToken, nil
		}
		k.refreshToken = ""
	}

	resp, err := k.requestToken(ctx, url.Values{
		"grant_type": {"password"},
		"username":   {k.username},
		"password":   {k.password},
	})
	if err != nil {
		return "", err
	}
	k.store(resp)
	return k.accessToken, nil
}

func (k *PasswordClient) store(resp *TokenResponse) {
	k.accessToken = resp.AccessToken
	k.refreshToken = resp.RefreshToken
	k.expiresAt = expiry(resp, k.now())
}

// expiry prefers the token's exp claim and falls back to expires_in.
func expiry(resp *TokenResponse, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if resp.ExpiresIn > 0 {
		return now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return now.Add(5 * time.Minute)
}

func (k *PasswordClient) requestToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	data.Set("client_id", k.clientID)
	if k.clientSecret != "" {
		data.Set("client_secret", k.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("authentication failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	return &tokenResp, nil
}
