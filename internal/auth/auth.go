package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/content"
	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	DefaultCacheTTL    = 5 * time.Minute
	DefaultIssuer      = "migers"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrSubjectMismatch = errors.New("token does not belong to user")
	ErrMissingUser     = errors.New("user id is required")
)

// Claims are the JWT claims issued by the session service.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	// Secret is the base64 encoded HMAC key shared with the session service.
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	Issuer      string        `json:"issuer"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	CacheTTL    time.Duration `json:"cacheTTL"`
	// Insecure trusts the claimed user id without checking the token.
	// Local development only.
	Insecure bool `json:"insecure"`
}

func (c *Config) Validate() error {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}

	if c.Secret == "" {
		if c.Insecure {
			return nil
		}
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	return nil
}

type verified struct {
	user      models.User
	expiresAt time.Time
}

// Service verifies session tokens presented on websocket and REST requests.
// Verified tokens are cached until CacheTTL or their expiry, whichever is first.
type Service struct {
	Config
	verified geche.Geche[string, verified]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		verified: geche.NewMapTTLCache[string, verified](ctx, config.CacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Issue signs a token for user. Used by the dev CLI and tests; production
// tokens come from the session service.
func (s *Service) Issue(user models.User) (string, time.Time, error) {
	if len(s.secretBytes) == 0 {
		return "", time.Time{}, errors.New("signing secret is not configured")
	}
	if user.ID == "" {
		return "", time.Time{}, ErrMissingUser
	}
	if user.Username != "" {
		if err := content.ValidateUsername(user.Username); err != nil {
			return "", time.Time{}, err
		}
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token signature, issuer and expiry and returns the
// user it was issued to.
func (s *Service) Verify(token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrInvalidToken
	}
	now := s.now()
	if v, err := s.verified.Get(token); err == nil {
		if now.Before(v.expiresAt) {
			return v.user, nil
		}
		_ = s.verified.Del(token)
	}
	if len(s.secretBytes) == 0 {
		return models.User{}, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return s.secretBytes, nil
		},
		jwt.WithIssuer(s.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return models.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user := models.User{ID: claims.Subject, Username: claims.Username}
	if user.Username == "" {
		user.Username = user.ID
	} else if err := content.ValidateUsername(user.Username); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	s.verified.Set(token, verified{user: user, expiresAt: claims.ExpiresAt.Time})
	return user, nil
}

// Authenticate verifies that token was issued to userID.
func (s *Service) Authenticate(userID, token string) (models.User, error) {
	if userID == "" {
		return models.User{}, ErrMissingUser
	}
	if s.Insecure && len(s.secretBytes) == 0 {
		return models.User{ID: userID, Username: userID}, nil
	}

	user, err := s.Verify(token)
	if err != nil {
		return models.User{}, err
	}
	if user.ID != userID {
		return models.User{}, ErrSubjectMismatch
	}
	return user, nil
}
