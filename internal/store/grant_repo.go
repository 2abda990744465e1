package store

import (
	"errors"
	"strings"
)

// ErrInvalidGrant is returned for a grant that cannot be applied.
var ErrInvalidGrant = errors.New("invalid credit grant")

// Grant is a ledger entry applied at most once per ID. Purchase webhooks use
// "purchase:<transaction id>" and credit refunds use "refund:<idempotency key>".
type Grant struct {
	ID        string
	UserID    string
	Credits   int
	Unlimited *bool // nil leaves the unlimited flag alone
}

// Validate rejects grants without an ID or user and grants that change nothing.
func (g Grant) Validate() error {
	switch {
	case strings.TrimSpace(g.ID) == "":
		return errors.Join(ErrInvalidGrant, errors.New("grant id is required"))
	case strings.TrimSpace(g.UserID) == "":
		return errors.Join(ErrInvalidGrant, errors.New("user id is required"))
	case g.Credits < 0:
		return errors.Join(ErrInvalidGrant, errors.New("credits must not be negative"))
	case g.Credits == 0 && g.Unlimited == nil:
		return errors.Join(ErrInvalidGrant, errors.New("grant changes nothing"))
	}
	return nil
}

// GrantRepo applies credit grants exactly once.
type GrantRepo interface {
	// ApplyGrant records the grant and updates the balance in one step. It reports
	// false, without changing anything, when a grant with the same ID was applied before.
	ApplyGrant(g Grant) (bool, error)
}
