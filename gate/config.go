package gate

import (
	"math/big"
	"strings"
	"time"

	"mintgate/addr"

	"github.com/cockroachdb/errors"
)

// Payout says how much a tier pays out: either raw base units or a token
// amount scaled by the token decimals. TokenID overrides the global one.
type Payout struct {
	BaseUnits string `yaml:"base_units"`
	Tokens    string `yaml:"tokens"`
	TokenID   string `yaml:"token_id"`
}

var errPayoutMissing = errors.New("payout_baseunits_missing")

// Units resolves the payout in base units.
func (p Payout) Units(decimals uint) (*big.Int, error) {
	if s := strings.TrimSpace(p.BaseUnits); s != "" {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok || n.Sign() <= 0 {
			return nil, errors.Newf("bad base_units %q", s)
		}
		return n, nil
	}
	if s := strings.TrimSpace(p.Tokens); s != "" {
		n, err := ToBaseUnits(s, decimals)
		if err != nil {
			return nil, err
		}
		if n.Sign() <= 0 {
			return nil, errPayoutMissing
		}
		return n, nil
	}
	return nil, errPayoutMissing
}

// ToBaseUnits turns a decimal amount like "1.5" into base units. Trailing
// zeros past decimals are fine, any other extra digit is an error.
func ToBaseUnits(amount string, decimals uint) (*big.Int, error) {
	ints, frac, _ := strings.Cut(amount, ".")
	if ints == "" || !digits(ints) || (frac != "" && !digits(frac)) || strings.HasSuffix(amount, ".") {
		return nil, errors.Newf("invalid amount format %q", amount)
	}
	if uint(len(frac)) > decimals && strings.TrimRight(frac[decimals:], "0") != "" {
		return nil, errors.Newf("amount %q has more than %d decimals", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals))
	n, _ := new(big.Int).SetString(ints+frac[:decimals], 10)
	return n, nil
}

func digits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type FreeConfig struct {
	Limit  int64  `yaml:"limit"`
	Price  uint64 `yaml:"price"`
	Payout Payout `yaml:"payout"`
}

type PaidConfig struct {
	CohortSizes []int64 `yaml:"cohort_sizes"`
	Base        uint64  `yaml:"base"`
	Step        uint64  `yaml:"step"`
	Payout      Payout  `yaml:"payout"`
}

type OGConfig struct {
	Enabled bool      `yaml:"enabled"`
	Limit   int64     `yaml:"limit"`
	Cutoff  time.Time `yaml:"cutoff"`
	// RequirePayment additionally makes the proof tx pay the fee address.
	RequirePayment bool   `yaml:"require_payment"`
	Payout         Payout `yaml:"payout"`
}

type HolderConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Limit    int64    `yaml:"limit"`
	TokenIDs []string `yaml:"token_ids"`
	Tickers  []string `yaml:"tickers"`
	Payout   Payout   `yaml:"payout"`
}

type Config struct {
	FeeAddress    string `yaml:"fee_address"`
	PayoutTokenID string `yaml:"payout_token_id"`
	TokenDecimals uint   `yaml:"token_decimals"`

	MaxOrderAge    time.Duration `yaml:"max_order_age"`
	MinVerifyDelay time.Duration `yaml:"min_verify_delay"`
	IssueTimeout   time.Duration `yaml:"issue_timeout"`

	MapPendingToTooEarly bool          `yaml:"map_pending_to_too_early"`
	PendingRetry         time.Duration `yaml:"pending_retry"`
	// DenyPaidAfterFree stops an address that took the free tier from buying
	// a paid slot.
	DenyPaidAfterFree bool `yaml:"deny_paid_after_free"`

	Free   FreeConfig   `yaml:"free"`
	Paid   PaidConfig   `yaml:"paid"`
	OG     OGConfig     `yaml:"og"`
	Holder HolderConfig `yaml:"holder"`
}

// tierPayout is a payout resolved at startup.
type tierPayout struct {
	tokenID string
	units   *big.Int
}

func (c *Config) payoutOf(p Payout) (tierPayout, error) {
	id := strings.TrimSpace(p.TokenID)
	if id == "" {
		id = strings.TrimSpace(c.PayoutTokenID)
	}
	if !addr.LooksLikeTokenID(id) {
		return tierPayout{}, errors.Newf("bad payout token id %q", id)
	}
	units, err := p.Units(c.TokenDecimals)
	if err != nil {
		return tierPayout{}, err
	}
	return tierPayout{tokenID: id, units: units}, nil
}

// Validate checks the config. New calls it too, so a Gate never runs on a
// bad config.
func (c *Config) Validate() error {
	_, err := c.resolve()
	return err
}

// resolve validates and resolves every enabled tier's payout.
func (c *Config) resolve() (map[string]tierPayout, error) {
	if !addr.IsCanonical(c.FeeAddress) {
		return nil, errors.Newf("fee_address %q is not a canonical sp1 address", c.FeeAddress)
	}
	if c.MaxOrderAge < 0 || c.MinVerifyDelay < 0 || c.PendingRetry < 0 || c.IssueTimeout < 0 {
		return nil, errors.New("durations must not be negative")
	}
	if c.MaxOrderAge > 0 && c.MinVerifyDelay >= c.MaxOrderAge {
		return nil, errors.New("min_verify_delay must be below max_order_age")
	}
	if len(c.Paid.CohortSizes) == 0 {
		return nil, errors.New("paid.cohort_sizes is empty")
	}
	for i, n := range c.Paid.CohortSizes {
		if n <= 0 {
			return nil, errors.Newf("paid.cohort_sizes[%d] must be positive", i)
		}
	}
	if c.Free.Limit < 0 || c.OG.Limit < 0 || c.Holder.Limit < 0 {
		return nil, errors.New("limits must not be negative")
	}

	out := map[string]tierPayout{}
	check := func(tier string, p Payout) error {
		tp, err := c.payoutOf(p)
		if err != nil {
			return errors.Wrapf(err, "%s payout", strings.ToLower(tier))
		}
		out[tier] = tp
		return nil
	}
	if err := check(TierFree, c.Free.Payout); err != nil {
		return nil, err
	}
	if err := check(TierPaid, c.Paid.Payout); err != nil {
		return nil, err
	}
	if c.OG.Enabled {
		if c.OG.Cutoff.IsZero() {
			return nil, errors.New("og.cutoff is required when og is enabled")
		}
		if err := check(TierOG, c.OG.Payout); err != nil {
			return nil, err
		}
	}
	if c.Holder.Enabled {
		if len(c.Holder.TokenIDs) == 0 && len(c.Holder.Tickers) == 0 {
			return nil, errors.New("holder tier needs token_ids or tickers")
		}
		if err := check(TierHolder, c.Holder.Payout); err != nil {
			return nil, err
		}
	}
	return out, nil
}
