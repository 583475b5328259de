package remote

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"runrelay/internal/config"
)

// ErrNoCredential is returned by TokenSource when nothing is configured.
var ErrNoCredential = errors.New("no github credential configured")

// TokenSource builds the credential for the API: a static personal access token, or a
// GitHub App installation token minted on demand and cached until it nears expiry.
func TokenSource(cred config.Credential, apiURL string) (oauth2.TokenSource, error) {
	if token := strings.TrimSpace(cred.Token); token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
	}
	app := cred.App
	if app.AppID == 0 {
		return nil, ErrNoCredential
	}
	pemBytes := []byte(app.PrivateKeyPEM)
	if len(pemBytes) == 0 {
		data, err := os.ReadFile(app.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read github app key: %w", err)
		}
		pemBytes = data
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse github app key: %w", err)
	}
	src := &AppTokenSource{
		BaseURL:        apiURL,
		AppID:          app.AppID,
		InstallationID: app.InstallationID,
		Key:            key,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// AppTokenSource exchanges a short-lived app JWT for an installation access token.
type AppTokenSource struct {
	BaseURL        string
	AppID          int64
	InstallationID int64
	Key            *rsa.PrivateKey
	HTTPClient     *http.Client
	Now            func() time.Time
}

// AppJWT signs the RS256 assertion GitHub expects from an app. The issued-at claim is
// backdated a minute to absorb clock drift; GitHub caps lifetime at ten minutes.
func (s *AppTokenSource) AppJWT() (string, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.Key)
}

func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	signed, err := s.AppJWT()
	if err != nil {
		return nil, fmt.Errorf("sign app jwt: %w", err)
	}
	client := &Client{
		BaseURL:    s.BaseURL,
		HTTPClient: s.HTTPClient,
		UserAgent:  "runrelay",
	}
	if client.HTTPClient == nil {
		client.HTTPClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: bearerTransport{token: signed},
		}
	} else {
		cp := *client.HTTPClient
		cp.Transport = bearerTransport{token: signed, base: cp.Transport}
		client.HTTPClient = &cp
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	endpoint := fmt.Sprintf("app/installations/%d/access_tokens", s.InstallationID)
	if err := client.do(context.Background(), http.MethodPost, endpoint, struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("installation token: %w", err)
	}
	if resp.Token == "" {
		return nil, errors.New("installation token: empty token in response")
	}
	return &oauth2.Token{AccessToken: resp.Token, Expiry: resp.ExpiresAt}, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return base.RoundTrip(clone)
}
