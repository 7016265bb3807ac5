package server

import "StableLedger/internal/query"

// Amounts are base-10 strings in 18-decimal units; addresses are 0x hex.

type ReceiptResponse struct {
	OpID      string `json:"op_id"`
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type AccountRequest struct {
	User string `json:"user"`
}

type AccountInformationResponse struct {
	User               string `json:"user"`
	TotalDebt          string `json:"total_debt"`
	CollateralValueUsd string `json:"collateral_value_usd"`
	HealthFactor       string `json:"health_factor"`
}

type HealthFactorResponse struct {
	HealthFactor string `json:"health_factor"`
	Healthy      bool   `json:"healthy"`
}

type CollateralBalanceRequest struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
}

type AmountResponse struct {
	Amount string `json:"amount"`
}

type UsdValueRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type TokenAmountRequest struct {
	Asset     string `json:"asset"`
	UsdAmount string `json:"usd_amount"`
}

type Empty struct{}

type CollateralToken struct {
	Asset     string `json:"asset"`
	PriceFeed string `json:"price_feed"`
}

type CollateralTokensResponse struct {
	Tokens    []CollateralToken `json:"tokens"`
	DebtToken string            `json:"debt_token"`
	Engine    string            `json:"engine"`
}

type ParametersResponse struct {
	Precision               string `json:"precision"`
	AdditionalFeedPrecision string `json:"additional_feed_precision"`
	LiquidationThreshold    uint64 `json:"liquidation_threshold"`
	LiquidationBonus        uint64 `json:"liquidation_bonus"`
	LiquidationPrecision    uint64 `json:"liquidation_precision"`
	MinHealthFactor         string `json:"min_health_factor"`
}

// PageRequest pages newest first; BeforeSequence is the cursor returned by
// the previous page.
type PageRequest struct {
	PageSize       int   `json:"page_size,omitempty"`
	BeforeSequence int64 `json:"before_sequence,omitempty"`
}

type LiquidationHistoryRequest struct {
	Account string `json:"account"`
	Role    string `json:"role,omitempty"`
	PageRequest
}

type LiquidationHistoryResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
	NextCursor   int64                       `json:"next_cursor,omitempty"`
}

type JournalHistoryRequest struct {
	User string `json:"user"`
	PageRequest
}

type JournalHistoryResponse struct {
	Journals   []query.JournalHistoryEntry `json:"journals"`
	NextCursor int64                       `json:"next_cursor,omitempty"`
}

type EventLogInfoResponse struct {
	EngineSequence    int64  `json:"engine_sequence"`
	EngineStateHash   string `json:"engine_state_hash"`
	PersistedSequence int64  `json:"persisted_sequence"`
}

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildResponse struct {
	Watermark int64 `json:"watermark"`
}
