package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// DefaultTokenTTL is the lifetime of the bearer tokens the file backend issues.
const DefaultTokenTTL = 5 * time.Minute

// dummyHash keeps unknown-user logins as slow as wrong-password logins.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z/UH0V0hyr4i1SO3e6E8Qy2K"

// UserEntry is one user in the users file.
type UserEntry struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

type usersFile struct {
	Users []UserEntry `yaml:"users"`
}

// fileCredentials is what the file backend keeps in a session.
type fileCredentials struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

// TokenClaims are the claims of the bearer token sent upstream.
type TokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// File authenticates users from a static YAML list with bcrypt password
// hashes. Upstream requests carry a short-lived HS256 bearer token signed
// with the configured secret.
type File struct {
	users    map[string]UserEntry
	secret   []byte
	tokenTTL time.Duration
	issuer   string
	caser    cases.Caser
	now      func() time.Time
}

// FileConfig configures the file backend.
type FileConfig struct {
	Path     string
	Secret   string
	TokenTTL time.Duration
	Issuer   string
}

// LoadFile reads the users file at cfg.Path.
func LoadFile(cfg FileConfig) (*File, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return NewFile(data, cfg)
}

// NewFile parses a users document. Usernames are matched case-insensitively.
func NewFile(data []byte, cfg FileConfig) (*File, error) {
	if cfg.Secret == "" {
		return nil, errors.New("file backend requires a token secret")
	}

	var doc usersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	f := &File{
		users:    make(map[string]UserEntry, len(doc.Users)),
		secret:   []byte(cfg.Secret),
		tokenTTL: cfg.TokenTTL,
		issuer:   cfg.Issuer,
		caser:    cases.Fold(),
		now:      time.Now,
	}
	if f.tokenTTL <= 0 {
		f.tokenTTL = DefaultTokenTTL
	}
	if f.issuer == "" {
		f.issuer = "guardpost"
	}

	for i, u := range doc.Users {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("users[%d] %q: invalid password hash: %w", i, name, err)
		}
		key := f.caser.String(name)
		if _, dup := f.users[key]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, name)
		}
		u.Username = name
		f.users[key] = u
	}

	return f, nil
}

// Authenticate implements Authenticator.
func (f *File) Authenticate(_ context.Context, creds domain.Credentials) (*domain.User, error) {
	const op = "File.Authenticate"

	if !creds.IsComplete() {
		return nil, domain.NewAuthenticationError("Username and password are required")
	}

	entry, ok := f.users[f.caser.String(strings.TrimSpace(creds.Username))]
	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(creds.Password))
		return nil, domain.NewAuthenticationError("Invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, domain.NewAuthenticationError("Invalid username or password")
	}

	credentials, err := json.Marshal(fileCredentials{Username: entry.Username, Roles: entry.Roles})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode credentials")
	}

	user := &domain.User{
		Username:    entry.Username,
		Credentials: credentials,
	}
	if len(entry.Roles) > 0 {
		proxy, err := json.Marshal(map[string][]string{"roles": entry.Roles})
		if err != nil {
			return nil, domain.Internal(err, op, "failed to encode proxy credentials")
		}
		user.ProxyCredentials = proxy
	}
	return user, nil
}

// GetAuthHeaders implements Authenticator. The user must still be present
// in the users file.
func (f *File) GetAuthHeaders(_ context.Context, credentials json.RawMessage) (map[string]string, error) {
	var c fileCredentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("decode file credentials: %w", err)
	}

	entry, ok := f.users[f.caser.String(c.Username)]
	if !ok {
		return nil, fmt.Errorf("user %q no longer exists", c.Username)
	}

	now := f.now()
	claims := TokenClaims{
		Roles: entry.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    f.issuer,
			Subject:   entry.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(f.tokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Forwarded-User": entry.Username,
	}, nil
}
