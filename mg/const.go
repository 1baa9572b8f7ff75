package mg

import (
	"github.com/cockroachdb/errors"
)

// Key prefixes. Every key in the backend starts with one of these bytes.
const (
	LockPrefix    = 1
	AuditPrefix   = 2
	CounterPrefix = 3
)

// Lock namespaces.
const (
	NSTx     = "tx"
	NSFree   = "fcfs"
	NSOG     = "og"
	NSHolder = "holder"
	NSPaid   = "paid"
)

var (
	ErrAlreadyUsed = errors.New("already_used")
	ErrAddressUsed = errors.New("address_used")
	ErrSoldOut     = errors.New("sold_out")
	ErrNotFound    = errors.New("not_found")
	ErrExists      = errors.New("exists")
	ErrStopped     = errors.New("store stopped")
)

// TierError scopes a conflict to a tier, so it renders as "fcfs_sold_out",
// "og_address_used" and so on while still matching the generic sentinel
// with errors.Is.
type TierError struct {
	Tier string
	Err  error
}

func (e *TierError) Error() string { return e.Tier + "_" + e.Err.Error() }

func (e *TierError) Unwrap() error { return e.Err }

// Tiered wraps err for tier.
func Tiered(tier string, err error) error {
	return &TierError{Tier: tier, Err: err}
}
