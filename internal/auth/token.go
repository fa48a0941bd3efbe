package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	// ErrUnauthenticated means no usable bearer token was presented.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrTokenExpired means the token was well formed but has expired.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Config holds token settings.
type Config struct {
	Secret   string        `env:"SECRET"`
	Issuer   string        `env:"ISSUER" envDefault:"foodfast"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"12h"`
}

// Claims is the JWT body issued to FoodFast clients.
type Claims struct {
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	RestaurantID string `json:"rid,omitempty"`
	jwt.StandardClaims
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService from cfg.
func NewTokenService(cfg Config) *TokenService {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns a signed token for id.
func (s *TokenService) Issue(id Identity) (string, error) {
	now := s.now()
	claims := Claims{
		Name:         id.Name,
		Role:         id.Role,
		RestaurantID: id.RestaurantID,
		StandardClaims: jwt.StandardClaims{
			Subject:   id.UserID,
			Issuer:    s.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns the identity it carries.
func (s *TokenService) Parse(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return Identity{}, ErrUnauthenticated
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return Identity{}, fmt.Errorf("%w: wrong issuer", ErrUnauthenticated)
	}

	return Identity{
		UserID:       claims.Subject,
		Name:         claims.Name,
		Role:         claims.Role,
		RestaurantID: claims.RestaurantID,
	}, nil
}
