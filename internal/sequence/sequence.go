// Package sequence issues prefix-scoped, strictly increasing voucher numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// DefaultWidth is the zero-padding applied to the numeric part.
const DefaultWidth = 6

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Generator hands out the next number for a prefix. Two calls for the same prefix
// never return the same value, even across processes. Numbers burned by rolled back
// postings are not reissued.
type Generator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// Incrementer is a transaction-bound store that can bump a prefix counter.
type Incrementer interface {
	IncrementSequence(ctx context.Context, prefix string) (int64, error)
}

// TxGenerator is a Generator whose counter lives in the posting database.
type TxGenerator interface {
	Generator
	NextIn(ctx context.Context, inc Incrementer, prefix string) (string, error)
}

// NextIn draws from gen through inc when gen keeps its counter in the same store,
// so a caller inside a transaction never opens a second one. Other generators fall
// back to Next.
func NextIn(ctx context.Context, gen Generator, inc Incrementer, prefix string) (string, error) {
	if tg, ok := gen.(TxGenerator); ok && inc != nil {
		return tg.NextIn(ctx, inc, prefix)
	}
	return gen.Next(ctx, prefix)
}

// NormalizePrefix upper-cases and validates a prefix.
func NormalizePrefix(prefix string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if !prefixPattern.MatchString(p) {
		return "", fmt.Errorf("sequence prefix %q: %w", prefix, shared.ErrInvalidVoucher)
	}
	return p, nil
}

// Format renders PREFIX-000123.
func Format(prefix string, n int64, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	return fmt.Sprintf("%s-%0*d", prefix, width, n)
}

func storeFailure(prefix string, err error) error {
	if errors.Is(err, shared.ErrTransientStore) {
		return fmt.Errorf("sequence %s: %w", prefix, err)
	}
	return fmt.Errorf("sequence %s: %w: %w", prefix, shared.ErrTransientStore, err)
}
