// Package ledger makes sure a payment transaction redeems at most one claim.
package ledger

import (
	"strings"
	"sync"

	"mintgate/mg"
	"mintgate/store"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Ledger struct {
	s   *store.Store
	log *zap.Logger
}

func New(s *store.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{s: s, log: log}
}

// Claim is a held redemption. Release gives the tx id back after a downstream
// failure; a successful issuance never calls it.
type Claim struct {
	TxID string
	l    *Ledger
	once sync.Once
	err  error
}

// Release is safe to call more than once.
func (c *Claim) Release() error {
	c.once.Do(func() {
		c.err = c.l.s.Release(mg.NSTx, c.TxID)
		if c.err != nil {
			c.l.log.Warn("tx release failed", zap.String("tx", c.TxID), zap.Error(c.err))
		}
	})
	return c.err
}

// NormalizeTx folds the dashed UUID and the plain 32-hex spelling of an id
// into one key.
func NormalizeTx(txID string) string {
	return strings.ReplaceAll(store.NormalizeKey(txID), "-", "")
}

// ClaimOnce takes the tx id or fails with mg.ErrAlreadyUsed.
func (l *Ledger) ClaimOnce(txID string, meta map[string]string) (*Claim, error) {
	id := NormalizeTx(txID)
	if id == "" {
		return nil, errors.New("empty tx id")
	}
	ok, err := l.s.Acquire(mg.NSTx, id, meta)
	if err != nil {
		return nil, errors.Wrap(err, "claim tx")
	}
	if !ok {
		return nil, mg.ErrAlreadyUsed
	}
	return &Claim{TxID: id, l: l}, nil
}

// Used reports whether txID is currently redeemed.
func (l *Ledger) Used(txID string) (bool, error) {
	return l.s.Exists(mg.NSTx, NormalizeTx(txID))
}

// Lookup returns the redemption record and its audit metadata.
func (l *Ledger) Lookup(txID string) (*mg.Lock, *mg.Audit, error) {
	return l.s.Lookup(mg.NSTx, NormalizeTx(txID))
}

// Release frees txID without a Claim in hand, for operators.
func (l *Ledger) Release(txID string) error {
	return l.s.Release(mg.NSTx, NormalizeTx(txID))
}
