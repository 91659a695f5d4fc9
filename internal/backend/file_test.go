package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "file-backend-test-secret"

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func usersYAML(t *testing.T) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`users:
  - username: Alice
    password_hash: %q
    roles: [admin, reader]
  - username: bob
    password_hash: %q
`, hashPassword(t, "wonderland"), hashPassword(t, "builder")))
}

func newTestFile(t *testing.T) *File {
	t.Helper()
	f, err := NewFile(usersYAML(t), FileConfig{Secret: testSecret, TokenTTL: time.Minute})
	require.NoError(t, err)
	return f
}

func TestNewFile_Validation(t *testing.T) {
	hash := hashPassword(t, "pw")

	tests := []struct {
		name    string
		doc     string
		secret  string
		wantErr string
	}{
		{"missing secret", "users: []", "", "token secret"},
		{"bad yaml", "users: [", testSecret, "parse users file"},
		{"empty username", fmt.Sprintf("users:\n  - password_hash: %q\n", hash), testSecret, "username is required"},
		{"bad hash", "users:\n  - username: a\n    password_hash: plain\n", testSecret, "invalid password hash"},
		{"duplicate", fmt.Sprintf("users:\n  - username: a\n    password_hash: %q\n  - username: A\n    password_hash: %q\n", hash, hash), testSecret, "duplicate username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFile([]byte(tt.doc), FileConfig{Secret: tt.secret})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, usersYAML(t), 0o600))

	f, err := LoadFile(FileConfig{Path: path, Secret: testSecret})
	require.NoError(t, err)
	assert.Len(t, f.users, 2)

	_, err = LoadFile(FileConfig{Path: filepath.Join(t.TempDir(), "missing.yaml"), Secret: testSecret})
	assert.Error(t, err)
}

func TestFile_Authenticate(t *testing.T) {
	f := newTestFile(t)

	user, err := f.Authenticate(context.Background(), domain.Credentials{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	assert.Equal(t, "Alice", user.Username, "canonical username from the file")
	assert.JSONEq(t, `{"username":"Alice","roles":["admin","reader"]}`, string(user.Credentials))
	assert.JSONEq(t, `{"roles":["admin","reader"]}`, string(user.ProxyCredentials))
}

func TestFile_AuthenticateWithoutRoles(t *testing.T) {
	f := newTestFile(t)

	user, err := f.Authenticate(context.Background(), domain.Credentials{Username: "bob", Password: "builder"})
	require.NoError(t, err)
	assert.Nil(t, user.ProxyCredentials)
}

func TestFile_AuthenticateRejects(t *testing.T) {
	f := newTestFile(t)

	tests := []struct {
		name  string
		creds domain.Credentials
	}{
		{"wrong password", domain.Credentials{Username: "alice", Password: "nope"}},
		{"unknown user", domain.Credentials{Username: "mallory", Password: "wonderland"}},
		{"missing password", domain.Credentials{Username: "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Authenticate(context.Background(), tt.creds)

			var authErr *domain.AuthenticationError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
		})
	}
}

func TestFile_GetAuthHeaders(t *testing.T) {
	f := newTestFile(t)
	now := time.Now().Truncate(time.Second)
	f.now = func() time.Time { return now }

	user, err := f.Authenticate(context.Background(), domain.Credentials{Username: "ALICE", Password: "wonderland"})
	require.NoError(t, err)

	headers, err := f.GetAuthHeaders(context.Background(), user.Credentials)
	require.NoError(t, err)
	assert.Equal(t, "Alice", headers["X-Forwarded-User"])

	raw, ok := strings.CutPrefix(headers["Authorization"], "Bearer ")
	require.True(t, ok, "expected a bearer token, got %q", headers["Authorization"])

	var claims TokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	assert.Equal(t, "Alice", claims.Subject)
	assert.Equal(t, "guardpost", claims.Issuer)
	assert.Equal(t, []string{"admin", "reader"}, claims.Roles)
	assert.Equal(t, now.Add(time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestFile_GetAuthHeadersFailures(t *testing.T) {
	f := newTestFile(t)

	_, err := f.GetAuthHeaders(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)

	_, err = f.GetAuthHeaders(context.Background(), json.RawMessage(`{"username":"ghost"}`))
	assert.Error(t, err)
}
