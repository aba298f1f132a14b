package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminCredentialStore checks back-office login attempts against configuration.
// The password is stored as a bcrypt hash (ADMIN_PASSWORD_HASH); plaintext
// literals are never accepted.
type AdminCredentialStore struct {
	username     string
	passwordHash string
}

var (
	// ErrAdminCredentials indicates a failed admin login attempt.
	ErrAdminCredentials = errors.New("invalid admin credentials")
	// ErrAdminNotConfigured indicates the store was built without a hash.
	ErrAdminNotConfigured = errors.New("admin credentials not configured")
)

// NewAdminCredentialStore builds a store from deployment configuration.
func NewAdminCredentialStore(username, passwordHash string) (*AdminCredentialStore, error) {
	username = strings.TrimSpace(username)
	passwordHash = strings.TrimSpace(passwordHash)
	if username == "" || passwordHash == "" {
		return nil, ErrAdminNotConfigured
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, errors.New("admin password hash is not a bcrypt hash")
	}

	return &AdminCredentialStore{username: username, passwordHash: passwordHash}, nil
}

// Verify checks a login attempt. Both checks always run so timing does not leak
// which field was wrong.
func (s *AdminCredentialStore) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(s.username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password))

	if !userOK || passErr != nil {
		return ErrAdminCredentials
	}
	return nil
}

// BasicAuth gates a route on the admin credential pair. Meant for operational
// surfaces (metrics, docs) that live outside the user JWT flow.
func (s *AdminCredentialStore) BasicAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok || s.Verify(username, password) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="zapagent-ops"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashAdminPassword produces a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashAdminPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
