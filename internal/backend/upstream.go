package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"resty.dev/v3"
)

// UpstreamConfig configures the upstream backend.
type UpstreamConfig struct {
	BaseURL      string
	AuthInfoPath string
	Timeout      time.Duration
}

// upstreamCredentials is what the upstream backend keeps in a session.
type upstreamCredentials struct {
	AuthHeaderValue string `json:"authHeaderValue"`
}

// authInfo is the subset of the upstream's authinfo response we use.
type authInfo struct {
	UserName     string   `json:"user_name"`
	BackendRoles []string `json:"backend_roles,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// Upstream authenticates users against the proxied backend itself. Credentials
// are checked by calling its authinfo endpoint with HTTP Basic auth; on success
// the same Basic header is replayed on every proxied request.
type Upstream struct {
	client *resty.Client
	url    string
}

// NewUpstream creates an Upstream backend. httpClient may be nil.
func NewUpstream(cfg UpstreamConfig, httpClient *http.Client) *Upstream {
	client := resty.New()
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Upstream{
		client: client,
		url:    strings.TrimRight(cfg.BaseURL, "/") + cfg.AuthInfoPath,
	}
}

// Close releases the underlying HTTP client resources.
func (u *Upstream) Close() error {
	return u.client.Close()
}

// Authenticate implements Authenticator.
func (u *Upstream) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.User, error) {
	const op = "Upstream.Authenticate"

	if !creds.IsComplete() {
		return nil, domain.NewAuthenticationError("Username and password are required")
	}

	header := basicAuthHeader(creds.Username, creds.Password)

	var info authInfo
	resp, err := u.client.R().
		SetContext(ctx).
		SetHeader("Authorization", header).
		SetHeader("Accept", "application/json").
		SetResult(&info).
		Get(u.url)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.Unavailable(err, op)
	}

	//nolint:errcheck
	defer resp.Body.Close()

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, domain.NewAuthenticationError("Invalid username or password")
	case code >= 500:
		return nil, domain.Unavailable(fmt.Errorf("authinfo returned status %d", code), op)
	case code != http.StatusOK:
		return nil, domain.Internal(fmt.Errorf("authinfo returned status %d: %s", code, resp.String()), op, "Unexpected backend response")
	}

	credentials, err := json.Marshal(upstreamCredentials{AuthHeaderValue: header})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode credentials")
	}

	username := info.UserName
	if username == "" {
		username = creds.Username
	}

	user := &domain.User{
		Username:    username,
		Credentials: credentials,
	}
	if len(info.Roles) > 0 || len(info.BackendRoles) > 0 {
		proxy, err := json.Marshal(info)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to encode proxy credentials")
		}
		user.ProxyCredentials = proxy
	}

	return user, nil
}

// GetAuthHeaders implements Authenticator.
func (u *Upstream) GetAuthHeaders(_ context.Context, credentials json.RawMessage) (map[string]string, error) {
	var c upstreamCredentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("decode upstream credentials: %w", err)
	}
	if c.AuthHeaderValue == "" {
		return nil, errors.New("upstream credentials carry no authorization header")
	}
	return map[string]string{"Authorization": c.AuthHeaderValue}, nil
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
