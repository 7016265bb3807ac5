package query

// CollateralBalanceResponse is one projected collateral row.
type CollateralBalanceResponse struct {
	User         string `json:"user"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	LastSequence int64  `json:"last_sequence"`
}

// PositionResponse is the projected position of a user. Amounts are decimal
// strings with 18 decimals.
type PositionResponse struct {
	User         string                      `json:"user"`
	Collateral   []CollateralBalanceResponse `json:"collateral"`
	Debt         string                      `json:"debt"`
	AsOfSequence int64                       `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidation record.
type LiquidationResponse struct {
	Sequence           int64  `json:"sequence"`
	OpID               string `json:"op_id"`
	Liquidator         string `json:"liquidator"`
	User               string `json:"user"`
	Asset              string `json:"asset"`
	DebtCovered        string `json:"debt_covered"`
	CollateralSeized   string `json:"collateral_seized"`
	Bonus              string `json:"bonus"`
	HealthFactorBefore string `json:"health_factor_before"`
	HealthFactorAfter  string `json:"health_factor_after"`
	Timestamp          int64  `json:"timestamp"` // unix micros
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Projection checks only run when the projections are caught up.
	ProjectionsStale bool         `json:"projections_stale"`
	Drift            []AssetDrift `json:"drift,omitempty"`
	NegativeBalances int64        `json:"negative_balances"`
}

// AssetDrift is an asset whose projected total disagrees with the journal.
// The debt token appears with its debt totals.
type AssetDrift struct {
	Asset     string `json:"asset"`
	Projected string `json:"projected"`
	Journaled string `json:"journaled"`
}
