package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// TokenIssuer is satisfied by *identity.TokenProvider.
type TokenIssuer interface {
	Issue(ctx context.Context, name string, permissions []string, ttl time.Duration) (string, identity.Token, error)
	Revoke(ctx context.Context, id string) error
}

// TokenCLI manages API tokens from the command line.
type TokenCLI struct {
	issuer TokenIssuer
}

// NewTokenCLI constructs the helper.
func NewTokenCLI(issuer TokenIssuer) *TokenCLI {
	return &TokenCLI{issuer: issuer}
}

// TokenIssueOptions configures `finance token issue`.
type TokenIssueOptions struct {
	Name        string
	Permissions string
	TTL         time.Duration
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

type issuedToken struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Token       string     `json:"token"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IssueCommand creates a token and prints the bearer value once. It returns the exit code.
func (c *TokenCLI) IssueCommand(ctx context.Context, opts TokenIssueOptions) int {
	if strings.TrimSpace(opts.Name) == "" {
		fmt.Fprintln(opts.Stderr, "token name required")
		return 2
	}
	perms, err := ParsePermissions(opts.Permissions)
	if err != nil {
		fmt.Fprintln(opts.Stderr, err)
		return 2
	}
	raw, token, err := c.issuer.Issue(ctx, opts.Name, perms, opts.TTL)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "issue token: %v\n", err)
		return 1
	}
	out := issuedToken{ID: token.ID, Name: token.Name, Token: raw, Permissions: token.Permissions, ExpiresAt: token.ExpiresAt}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(opts.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(opts.Stdout, "token %s (%s)\npermissions: %s\nbearer: %s\n", out.ID, out.Name, strings.Join(out.Permissions, ","), out.Token)
	return 0
}

// RevokeCommand revokes the token with the given id.
func (c *TokenCLI) RevokeCommand(ctx context.Context, id string, stdout, stderr io.Writer) int {
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(stderr, "token id required")
		return 2
	}
	if err := c.issuer.Revoke(ctx, id); err != nil {
		fmt.Fprintf(stderr, "revoke token: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "token %s revoked\n", id)
	return 0
}

// ParsePermissions splits a comma separated list and rejects unknown permissions.
func ParsePermissions(raw string) ([]string, error) {
	known := map[string]bool{shared.PermFinanceAll: true}
	for _, p := range shared.FinanceScopes() {
		known[p] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" || seen[p] {
			continue
		}
		if !known[p] {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one permission required")
	}
	sort.Strings(out)
	return out, nil
}
