package gate

import (
	"mintgate/ladder"
	"mintgate/registry"
)

const (
	TierFree   = "FREE"
	TierPaid   = "PAID"
	TierOG     = "OG"
	TierHolder = "HOLDER"
)

// Reasons reported to clients. Tier conflicts ("fcfs_sold_out",
// "og_address_used", "paid_sold_out" ...) come from the registries.
const (
	ReasonBadReceiver         = "bad_receiver"
	ReasonBadPayer            = "bad_payer"
	ReasonMissingToken        = "missing_token"
	ReasonTxRequired          = "tx_required"
	ReasonBadTxID             = "bad_txid"
	ReasonWrongTier           = "wrong_tier"
	ReasonWrongFeeAddress     = "bad_payload_fee_address"
	ReasonTooEarly            = "too_early"
	ReasonOrderExpired        = "order_expired"
	ReasonOGDisabled          = "og_disabled"
	ReasonHolderDisabled      = "holder_disabled"
	ReasonVerifierUnavailable = "verifier_unavailable"
	ReasonVerifyFailed        = "verify_failed"
	ReasonAlreadyUsed         = "already_used"
	ReasonPaidAmountWrong     = "paid_amount_wrong"
	ReasonPaidAfterFree       = "paid_after_free_denied"
	ReasonOGTxInvalid         = "og_tx_invalid"
	ReasonOGNoFrom            = "og_tx_invalid_no_from"
	ReasonOGNotEligible       = "og_not_eligible"
	ReasonHolderNotEligible   = "holder_not_eligible"
	ReasonNoTier              = "no_tier_available"
	ReasonIssuanceFailed      = "issuance_failed"
)

// State of a claim attempt.
type State string

const (
	Quoted         State = "QUOTED"
	ProofSubmitted State = "PROOF_SUBMITTED"
	Verified       State = "VERIFIED"
	Reserved       State = "RESERVED"
	Issued         State = "ISSUED"
)

// FailedAt names the terminal state of an attempt that failed on its way
// to s.
func FailedAt(s State) State { return "FAILED_AT_" + s }

// NextPaid points a client whose free claim failed at the paid ladder.
type NextPaid struct {
	CohortIndex    int    `json:"cohortIndex"`
	NextSlot       int64  `json:"nextSlot"`
	RequiredAmount uint64 `json:"requiredAmount,string"`
}

// Result of a redeem attempt. OK with Minted false means the proof was
// accepted but issuance failed and every reservation was rolled back.
type Result struct {
	OK              bool         `json:"ok"`
	Minted          bool         `json:"minted"`
	Tier            string       `json:"tier,omitempty"`
	Reason          string       `json:"error,omitempty"`
	MintError       string       `json:"errorMint,omitempty"`
	Receiver        string       `json:"mintReceiver,omitempty"`
	PayoutBaseUnits string       `json:"payoutBaseUnits,omitempty"`
	MintTxID        string       `json:"mintTxId,omitempty"`
	TransferTxID    string       `json:"transferTxId,omitempty"`
	Cohort          *ladder.Slot `json:"cohort,omitempty"`
	RequiredAmount  uint64       `json:"requiredAmount,omitempty,string"`
	NextPaid        *NextPaid    `json:"nextPaid,omitempty"`
	RetryAfterMs    int64        `json:"retryAfterMs,omitempty"`
	CutoffMs        int64        `json:"cutoffMs,omitempty"`
	TxTimeMs        int64        `json:"txTimeMs,omitempty"`
	Source          string       `json:"source,omitempty"`
	AttemptID       string       `json:"attemptId"`
	State           State        `json:"state"`
}

type FreeInfo struct {
	Available      bool   `json:"available"`
	AlreadyClaimed bool   `json:"alreadyClaimed"`
	Price          uint64 `json:"price,string"`
	Limit          int64  `json:"limit"`
	Taken          int64  `json:"taken"`
}

type OGInfo struct {
	CutoffMs int64 `json:"cutoffMs"`
	Claimed  bool  `json:"claimed"`
	Eligible bool  `json:"eligible"`
}

type HolderInfo struct {
	Holdings
	Claimed  bool `json:"claimed"`
	Eligible bool `json:"eligible"`
}

// Quote is the answer to a quote request. OrderToken is empty when no tier
// is available.
type Quote struct {
	OK         bool            `json:"ok"`
	Reason     string          `json:"error,omitempty"`
	Tier       string          `json:"suggestedTier,omitempty"`
	FeeAddress string          `json:"feeAddress,omitempty"`
	Amount     uint64          `json:"requiredAmount,string"`
	Since      int64           `json:"since,omitempty"`
	Receiver   string          `json:"receiver,omitempty"`
	TokenID    string          `json:"tokenId,omitempty"`
	OrderToken string          `json:"orderToken,omitempty"`
	Free       FreeInfo        `json:"fcfs"`
	Paid       ladder.Position `json:"paid"`
	LastRound  bool            `json:"lastRound"`
	OG         *OGInfo         `json:"og,omitempty"`
	Holder     *HolderInfo     `json:"holder,omitempty"`
}

// Status is a snapshot for progress bars.
type Status struct {
	Free   registry.Count  `json:"fcfs"`
	Paid   ladder.Position `json:"paid"`
	OG     *registry.Count `json:"og,omitempty"`
	Holder *registry.Count `json:"holder,omitempty"`
}
