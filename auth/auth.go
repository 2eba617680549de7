// Package auth issues and verifies bearer tokens for operators and agents.
// Tokens are HMAC-SHA256 signed; the key is injected, never baked in.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"rdm-server/entities"
	"rdm-server/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Authenticator is the capability the session manager consumes: it turns a
// bearer token into the identity it was issued for.
type Authenticator interface {
	Verify(token string) (identity string, err error)
}

// Claims is the signed token payload.
type Claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	TokenID   string `json:"jti"`
}

// TokenService mints and verifies tokens. Implements Authenticator.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token for the subject: base64(claims) + "." +
// base64(hmac-sha256(claims)).
func (s *TokenService) Generate(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject:   subject,
		ExpiresAt: now.Add(s.ttl).Unix(),
		IssuedAt:  now.Unix(),
		TokenID:   uuid.New().String(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "marshal claims")
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Verify checks the signature and expiry and returns the subject.
func (s *TokenService) Verify(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.sign(encoded)), []byte(sig)) {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() >= claims.ExpiresAt {
		return "", ErrExpiredToken
	}
	return claims.Subject, nil
}

func (s *TokenService) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Login verifies operator credentials against the user store and mints a
// token on success.
func (s *TokenService) Login(users repositories.UserRepository, username, password string) (string, error) {
	user, err := users.GetByUsername(username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.Generate(user.Username)
}

// HashPassword produces a bcrypt hash for storage on a User record.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hashed), nil
}

// EnsureAdmin creates the bootstrap operator account when the user table is
// empty, with credentials from the environment.
func EnsureAdmin(users repositories.UserRepository, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := users.GetByUsername(username); err == nil {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return users.Create(&entities.User{Username: username, PasswordHash: hash})
}
