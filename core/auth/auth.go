// Package auth guards the controller seat: the director key is checked
// against a bcrypt hash, and successful checks are exchanged for a signed
// token presented at registration.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/casspangell/drone-choir-app-sub000/logger"
)

// TokenTTL bounds how long an issued controller token stays valid. A
// controller that outlives it re-authenticates on its next reconnect.
const TokenTTL = 12 * time.Hour

var (
	// ErrBadDirectorKey is returned when the presented key does not match
	// the configured hash.
	ErrBadDirectorKey = errors.New("invalid director key")
	// ErrNoDirectorKey is returned when no hash is configured, so the
	// controller seat cannot be claimed at all.
	ErrNoDirectorKey = errors.New("no director key configured")
)

// Service issues and verifies controller credentials.
type Service struct {
	directorKeyHash []byte // bcrypt hash, empty disables the controller seat
	jwtSecret       []byte
}

// NewService builds the credential service from the configured bcrypt hash
// and signing secret.
func NewService(directorKeyHash, jwtSecret string) *Service {
	return &Service{
		directorKeyHash: []byte(directorKeyHash),
		jwtSecret:       []byte(jwtSecret),
	}
}

// CheckDirectorKey verifies the plaintext director key against the
// configured hash.
func (s *Service) CheckDirectorKey(key string) error {
	if len(s.directorKeyHash) == 0 {
		return ErrNoDirectorKey
	}
	if err := bcrypt.CompareHashAndPassword(s.directorKeyHash, []byte(key)); err != nil {
		return ErrBadDirectorKey
	}
	return nil
}

// IssueControllerToken signs a token binding the controller credential to
// one instance id. Call only after CheckDirectorKey succeeded.
func (s *Service) IssueControllerToken(instanceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   instanceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyControllerToken checks the token's signature, expiry, and that it
// was issued to the presenting instance. Shaped to plug in as the hub's
// registration-time verifier.
func (s *Service) VerifyControllerToken(tokenString, instanceID string) bool {
	if tokenString == "" {
		return false
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		logger.Warn("controller token rejected",
			logger.ErrorField(err),
			logger.String("instance", instanceID))
		return false
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != instanceID {
		logger.Warn("controller token subject mismatch",
			logger.String("instance", instanceID))
		return false
	}
	return true
}

// HashDirectorKey produces a bcrypt hash suitable for configuration.
func HashDirectorKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
