package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "library-lending"

// sessionClaims is the JWT payload behind a Session.
type sessionClaims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Guard issues session tokens and checks them on every command.
type Guard struct {
	secret  []byte
	ttl     time.Duration
	revoked RevocationStore
	now     func() time.Time
	logger  *slog.Logger
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithRevocationStore sets where logged-out sessions are remembered.
func WithRevocationStore(s RevocationStore) GuardOption {
	return func(g *Guard) { g.revoked = s }
}

// NewGuard creates a Guard signing HS256 tokens with secret, valid for ttl.
func NewGuard(secret string, ttl time.Duration, logger *slog.Logger, opts ...GuardOption) (*Guard, error) {
	if secret == "" {
		return nil, errors.New("guard: empty signing secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("guard: invalid session ttl %v", ttl)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: NewMemoryRevocations(),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Issue creates a fresh session for u carrying u's current role.
func (g *Guard) Issue(u *User) (*Session, error) {
	now := g.now()
	exp := jwt.NewNumericDate(now.Add(g.ttl))
	claims := &sessionClaims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(u.ID, 10),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		g.logger.Error("failed to sign token", slog.String("error", err.Error()))
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Session{
		ID:        claims.ID,
		Token:     token,
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role,
		ExpiresAt: exp.Time.UTC(),
	}, nil
}

// Validate decodes token and checks signature, expiry and revocation. Every
// failure is an AuthenticationError.
func (g *Guard) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, authenticationErr("missing session")
	}

	claims := &sessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, sessionExpiredErr()
	case err != nil:
		return nil, authenticationErr("invalid session")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.ID == "" || !claims.Role.Valid() {
		return nil, authenticationErr("invalid session")
	}

	revoked, err := g.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, authenticationErr("session revoked")
	}

	return &Session{
		ID:        claims.ID,
		Token:     token,
		UserID:    userID,
		Username:  claims.Username,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Authorize validates sess and checks it carries the required role. MEMBER
// commands accept any valid session; ADMIN commands need an ADMIN session.
func (g *Guard) Authorize(ctx context.Context, sess *Session, required Role) (*Session, error) {
	if sess == nil {
		return nil, authenticationErr("missing session")
	}
	valid, err := g.Validate(ctx, sess.Token)
	if err != nil {
		return nil, err
	}
	if required == RoleAdmin && valid.Role != RoleAdmin {
		return nil, &Error{Kind: ErrAuthorization, Entity: "user", ID: valid.UserID,
			Msg: fmt.Sprintf("requires role %s", required)}
	}
	return valid, nil
}

// Revoke invalidates sess for the rest of its lifetime.
func (g *Guard) Revoke(ctx context.Context, sess *Session) error {
	if sess == nil {
		return authenticationErr("missing session")
	}
	valid, err := g.Validate(ctx, sess.Token)
	if err != nil {
		return err
	}
	if err := g.revoked.Revoke(ctx, valid.ID, valid.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
