package apitoken

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the lifetime of third-party API tokens.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultIssuer is used when no issuer is configured.
	DefaultIssuer = "smsinbox"

	audience        = "3rdparty"
	minSecretLength = 16
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// Options configures the issuer.
type Options struct {
	Secret  string
	Issuer  string
	TTL     time.Duration
	Leeway  time.Duration
	Revoker Revoker
}

// Issuer signs and verifies HS256 bearer tokens for the third-party API.
type Issuer struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	leeway  time.Duration
	revoker Revoker
}

// Token is the response body of a token grant.
type Token struct {
	ID          string    `json:"id"`
	TokenType   string    `json:"token_type"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Claims is the verified content of a token.
type Claims struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// New builds an issuer. A revoker is optional; without one Revoke is a no-op.
func New(opts Options) (*Issuer, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("api token secret must be at least %d characters", minSecretLength)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = DefaultLeeway
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Issuer{
		secret:  []byte(secret),
		issuer:  issuer,
		ttl:     opts.TTL,
		leeway:  opts.Leeway,
		revoker: opts.Revoker,
	}, nil
}

// Issue creates a signed token for userID.
func (i *Issuer) Issue(userID string) (Token, error) {
	if strings.TrimSpace(userID) == "" {
		return Token{}, errors.New("token subject is required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(i.ttl)
	jti := randomHexID(12)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        jti,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		ID:          jti,
		TokenType:   "Bearer",
		AccessToken: signed,
		ExpiresAt:   expiresAt,
	}, nil
}

// Verify validates signature, registered claims and revocation state.
func (i *Issuer) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	if i.revoker != nil {
		revoked, err := i.revoker.IsRevoked(claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrTokenRevoked
		}
	}
	return Claims{
		ID:        claims.ID,
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke blocks a token id for the longest lifetime a token can have.
func (i *Issuer) Revoke(jti string) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return errors.New("token id is required")
	}
	if i.revoker == nil {
		return nil
	}
	return i.revoker.Revoke(jti, i.ttl+i.leeway)
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
