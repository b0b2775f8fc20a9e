package pool

import "strings"

// Classification is the eligibility gate of one vintage.
type Classification string

const (
	Unclassified Classification = "unclassified"
	Eligible     Classification = "eligible"
	Ineligible   Classification = "ineligible"
)

// ParseClassification accepts the assignable classifications only.
func ParseClassification(s string) (Classification, bool) {
	switch c := Classification(strings.ToLower(strings.TrimSpace(s))); c {
	case Eligible, Ineligible:
		return c, true
	default:
		return "", false
	}
}

// Totals is an accounting snapshot of the pool token.
type Totals struct {
	TotalSupply int64 `json:"total_supply"`
	BalanceSum  int64 `json:"balance_sum"`
	ReserveSum  int64 `json:"reserve_sum"`
	Deposited   int64 `json:"deposited"`
	Withdrawn   int64 `json:"withdrawn"`
	Holders     int   `json:"holders"`
}

// VintageReserve is the pooled backing of one vintage.
type VintageReserve struct {
	VintageID      uint64         `json:"vintage_id"`
	Classification Classification `json:"classification"`
	Reserve        int64          `json:"reserve"`
}
