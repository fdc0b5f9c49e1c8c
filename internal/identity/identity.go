// Package identity authenticates API callers and guards routes by permission.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// ErrInvalidToken is returned for malformed, unknown, expired or revoked tokens.
var ErrInvalidToken = fmt.Errorf("identity: invalid token: %w", shared.ErrUnauthenticated)

// Token is a stored API credential.
type Token struct {
	ID          string
	Name        string
	SecretHash  string
	Permissions []string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// Provider resolves a presented credential into an actor.
type Provider interface {
	Authenticate(ctx context.Context, token string) (shared.Actor, error)
}

// Store persists API tokens.
type Store interface {
	GetToken(ctx context.Context, id string) (Token, error)
	InsertToken(ctx context.Context, t Token) error
	RevokeToken(ctx context.Context, id string, at time.Time) error
	TouchToken(ctx context.Context, id string, at time.Time) error
}

// TokenProvider authenticates bearer tokens of the form "<id>.<secret>".
type TokenProvider struct {
	store Store
	cost  int
	now   func() time.Time
}

// NewTokenProvider constructs a provider; cost <= 0 uses bcrypt.DefaultCost.
func NewTokenProvider(store Store, cost int) *TokenProvider {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &TokenProvider{store: store, cost: cost, now: time.Now}
}

// WithNow overrides the clock for testing.
func (p *TokenProvider) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Authenticate verifies the token and returns the actor it represents.
func (p *TokenProvider) Authenticate(ctx context.Context, raw string) (shared.Actor, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" {
		return shared.Actor{}, ErrInvalidToken
	}
	tok, err := p.store.GetToken(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.Actor{}, ErrInvalidToken
		}
		return shared.Actor{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(tok.SecretHash), []byte(secret)); err != nil {
		return shared.Actor{}, ErrInvalidToken
	}
	now := p.now()
	if tok.RevokedAt != nil || (tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt)) {
		return shared.Actor{}, ErrInvalidToken
	}
	_ = p.store.TouchToken(ctx, tok.ID, now)
	return shared.Actor{ID: tok.ID, Name: tok.Name, Permissions: tok.Permissions}, nil
}

// Issue creates a token and returns its plaintext form, which is never stored.
func (p *TokenProvider) Issue(ctx context.Context, name string, permissions []string, ttl time.Duration) (string, Token, error) {
	if strings.TrimSpace(name) == "" {
		return "", Token{}, errors.New("identity: token name required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", Token{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), p.cost)
	if err != nil {
		return "", Token{}, err
	}
	now := p.now()
	tok := Token{
		ID:          uuid.NewString(),
		Name:        name,
		SecretHash:  string(hash),
		Permissions: permissions,
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		tok.ExpiresAt = &exp
	}
	if err := p.store.InsertToken(ctx, tok); err != nil {
		return "", Token{}, err
	}
	return tok.ID + "." + secret, tok, nil
}

// Revoke disables a token.
func (p *TokenProvider) Revoke(ctx context.Context, id string) error {
	return p.store.RevokeToken(ctx, id, p.now())
}
