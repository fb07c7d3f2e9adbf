package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Relief/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is required")
	ErrUnknownMode  = errors.New("unknown auth mode")
)

const (
	ModeNone = "none"
	ModeJWT  = "jwt"
)

// Verifier resolves a bearer credential to the user it was issued for. An
// empty id with a nil error leaves the session anonymous.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// Anonymous ignores credentials; used when auth.mode is none.
type Anonymous struct{}

func (Anonymous) Verify(context.Context, string) (domain.UserID, error) {
	return "", nil
}

type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// JWTVerifier checks HS256 tokens; the subject claim is the user id.
type JWTVerifier struct {
	key    []byte
	parser *jwt.Parser
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &JWTVerifier{key: cfg.Secret, parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.UserID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "auth").Msg("token rejected")
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	user, err := domain.ParseUserID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %w", ErrInvalidToken, err)
	}
	return user, nil
}

// New builds the verifier for the configured mode.
func New(mode string, cfg JWTConfig) (Verifier, error) {
	switch mode {
	case "", ModeNone:
		return Anonymous{}, nil
	case ModeJWT:
		return NewJWTVerifier(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
