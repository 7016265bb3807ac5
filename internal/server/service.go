package server

import (
	"context"
	"database/sql"
	"encoding/hex"

	"StableLedger/internal/engine"
	"StableLedger/internal/ingestion"
	"StableLedger/internal/persistence"
	"StableLedger/internal/projection"
	"StableLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "stableledger.v1.PositionService"

// Engine is the part of the position engine the API serves.
type Engine interface {
	ingestion.Executor

	GetAccountInformation(ctx context.Context, user common.Address) (totalDebt, collateralValueUsd *uint256.Int, err error)
	GetHealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error)
	GetAccountCollateralValue(ctx context.Context, user common.Address) (*uint256.Int, error)
	GetCollateralBalance(user, asset common.Address) *uint256.Int
	GetUsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error)
	GetTokenAmountFromUsd(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error)
	CalculateHealthFactor(totalDebt, collateralValueUsd *uint256.Int) *uint256.Int
	GetCollateralTokens() []common.Address
	GetCollateralTokenPriceFeed(asset common.Address) (common.Address, error)
	GetDebtToken() common.Address
	Address() common.Address

	GetPrecision() *uint256.Int
	GetAdditionalFeedPrecision() *uint256.Int
	GetLiquidationThreshold() uint64
	GetLiquidationBonus() uint64
	GetLiquidationPrecision() uint64
	GetMinHealthFactor() *uint256.Int

	Sequence() int64
	StateHash() [32]byte
}

// Snapshotter takes a ledger snapshot and returns its sequence and size.
type Snapshotter func(ctx context.Context) (sequence int64, sizeBytes int, err error)

// PositionServiceServer is the server API of stableledger.v1.PositionService.
type PositionServiceServer interface {
	Deposit(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	Mint(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	Redeem(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	Burn(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	DepositAndMint(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	RedeemAndBurn(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)
	Liquidate(context.Context, *ingestion.CommandPayload) (*ReceiptResponse, error)

	GetAccountInformation(context.Context, *AccountRequest) (*AccountInformationResponse, error)
	GetHealthFactor(context.Context, *AccountRequest) (*HealthFactorResponse, error)
	GetAccountCollateralValue(context.Context, *AccountRequest) (*AmountResponse, error)
	GetCollateralBalance(context.Context, *CollateralBalanceRequest) (*AmountResponse, error)
	GetUsdValue(context.Context, *UsdValueRequest) (*AmountResponse, error)
	GetTokenAmountFromUsd(context.Context, *TokenAmountRequest) (*AmountResponse, error)
	GetCollateralTokens(context.Context, *Empty) (*CollateralTokensResponse, error)
	GetParameters(context.Context, *Empty) (*ParametersResponse, error)

	GetPosition(context.Context, *AccountRequest) (*query.PositionResponse, error)
	ListLiquidations(context.Context, *LiquidationHistoryRequest) (*LiquidationHistoryResponse, error)
	ListJournals(context.Context, *JournalHistoryRequest) (*JournalHistoryResponse, error)

	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
}

// unary builds the method descriptor of one JSON-coded unary method.
func unary[Req, Resp any](name string, call func(PositionServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PositionServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PositionServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PositionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PositionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", PositionServiceServer.Deposit),
		unary("Mint", PositionServiceServer.Mint),
		unary("Redeem", PositionServiceServer.Redeem),
		unary("Burn", PositionServiceServer.Burn),
		unary("DepositAndMint", PositionServiceServer.DepositAndMint),
		unary("RedeemAndBurn", PositionServiceServer.RedeemAndBurn),
		unary("Liquidate", PositionServiceServer.Liquidate),

		unary("GetAccountInformation", PositionServiceServer.GetAccountInformation),
		unary("GetHealthFactor", PositionServiceServer.GetHealthFactor),
		unary("GetAccountCollateralValue", PositionServiceServer.GetAccountCollateralValue),
		unary("GetCollateralBalance", PositionServiceServer.GetCollateralBalance),
		unary("GetUsdValue", PositionServiceServer.GetUsdValue),
		unary("GetTokenAmountFromUsd", PositionServiceServer.GetTokenAmountFromUsd),
		unary("GetCollateralTokens", PositionServiceServer.GetCollateralTokens),
		unary("GetParameters", PositionServiceServer.GetParameters),

		unary("GetPosition", PositionServiceServer.GetPosition),
		unary("ListLiquidations", PositionServiceServer.ListLiquidations),
		unary("ListJournals", PositionServiceServer.ListJournals),

		unary("VerifyIntegrity", PositionServiceServer.VerifyIntegrity),
		unary("RebuildProjections", PositionServiceServer.RebuildProjections),
		unary("GetEventLogInfo", PositionServiceServer.GetEventLogInfo),
		unary("TakeSnapshot", PositionServiceServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stableledger/v1/position.proto",
}

// positionService implements PositionServiceServer. Projection and admin
// methods answer Unavailable when their backing store is not configured.
type positionService struct {
	engine      Engine
	queries     *query.QueryService
	db          *sql.DB
	snapshots   *persistence.SnapshotManager
	snapshotter Snapshotter
}

// ---- commands ----

func (s *positionService) command(ctx context.Context, op string, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	cmd, err := req.Command(op)
	if err != nil {
		return nil, toStatus(err)
	}
	rcpt, err := ingestion.Execute(ctx, s.engine, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReceiptResponse{
		OpID:      rcpt.OpID,
		Sequence:  rcpt.Sequence,
		StateHash: hex.EncodeToString(rcpt.StateHash[:]),
	}, nil
}

func (s *positionService) Deposit(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpDeposit, req)
}

func (s *positionService) Mint(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpMint, req)
}

func (s *positionService) Redeem(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpRedeem, req)
}

func (s *positionService) Burn(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpBurn, req)
}

func (s *positionService) DepositAndMint(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpDepositAndMint, req)
}

func (s *positionService) RedeemAndBurn(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpRedeemAndBurn, req)
}

func (s *positionService) Liquidate(ctx context.Context, req *ingestion.CommandPayload) (*ReceiptResponse, error) {
	return s.command(ctx, engine.OpLiquidate, req)
}

// ---- live engine views ----

func (s *positionService) GetAccountInformation(ctx context.Context, req *AccountRequest) (*AccountInformationResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	debt, collateralUsd, err := s.engine.GetAccountInformation(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AccountInformationResponse{
		User:               user.Hex(),
		TotalDebt:          debt.Dec(),
		CollateralValueUsd: collateralUsd.Dec(),
		HealthFactor:       s.engine.CalculateHealthFactor(debt, collateralUsd).Dec(),
	}, nil
}

func (s *positionService) GetHealthFactor(ctx context.Context, req *AccountRequest) (*HealthFactorResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	hf, err := s.engine.GetHealthFactor(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HealthFactorResponse{
		HealthFactor: hf.Dec(),
		Healthy:      !hf.Lt(s.engine.GetMinHealthFactor()),
	}, nil
}

func (s *positionService) GetAccountCollateralValue(ctx context.Context, req *AccountRequest) (*AmountResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	v, err := s.engine.GetAccountCollateralValue(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AmountResponse{Amount: v.Dec()}, nil
}

func (s *positionService) GetCollateralBalance(_ context.Context, req *CollateralBalanceRequest) (*AmountResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return &AmountResponse{Amount: s.engine.GetCollateralBalance(user, asset).Dec()}, nil
}

func (s *positionService) GetUsdValue(ctx context.Context, req *UsdValueRequest) (*AmountResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	v, err := s.engine.GetUsdValue(ctx, asset, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AmountResponse{Amount: v.Dec()}, nil
}

func (s *positionService) GetTokenAmountFromUsd(ctx context.Context, req *TokenAmountRequest) (*AmountResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	usd, err := parseAmount("usd_amount", req.UsdAmount)
	if err != nil {
		return nil, err
	}
	v, err := s.engine.GetTokenAmountFromUsd(ctx, asset, usd)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AmountResponse{Amount: v.Dec()}, nil
}

func (s *positionService) GetCollateralTokens(context.Context, *Empty) (*CollateralTokensResponse, error) {
	assets := s.engine.GetCollateralTokens()
	resp := &CollateralTokensResponse{
		Tokens:    make([]CollateralToken, 0, len(assets)),
		DebtToken: s.engine.GetDebtToken().Hex(),
		Engine:    s.engine.Address().Hex(),
	}
	for _, asset := range assets {
		feed, err := s.engine.GetCollateralTokenPriceFeed(asset)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Tokens = append(resp.Tokens, CollateralToken{Asset: asset.Hex(), PriceFeed: feed.Hex()})
	}
	return resp, nil
}

func (s *positionService) GetParameters(context.Context, *Empty) (*ParametersResponse, error) {
	return &ParametersResponse{
		Precision:               s.engine.GetPrecision().Dec(),
		AdditionalFeedPrecision: s.engine.GetAdditionalFeedPrecision().Dec(),
		LiquidationThreshold:    s.engine.GetLiquidationThreshold(),
		LiquidationBonus:        s.engine.GetLiquidationBonus(),
		LiquidationPrecision:    s.engine.GetLiquidationPrecision(),
		MinHealthFactor:         s.engine.GetMinHealthFactor().Dec(),
	}, nil
}

// ---- projections ----

func (s *positionService) GetPosition(ctx context.Context, req *AccountRequest) (*query.PositionResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	pos, err := s.queries.GetPosition(ctx, user)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get position: %v", err)
	}
	return pos, nil
}

func (s *positionService) ListLiquidations(ctx context.Context, req *LiquidationHistoryRequest) (*LiquidationHistoryResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	role := query.RoleUser
	if req.Role != "" {
		role = query.Role(req.Role)
	}
	if role != query.RoleUser && role != query.RoleLiquidator {
		return nil, invalidArgument("role must be %q or %q", query.RoleUser, query.RoleLiquidator)
	}

	history, err := s.queries.GetLiquidationHistory(ctx, account, role, req.PageSize, cursor(req.PageRequest))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list liquidations: %v", err)
	}
	resp := &LiquidationHistoryResponse{Liquidations: history}
	if n := len(history); n > 0 && n == clampPage(req.PageSize) {
		resp.NextCursor = history[n-1].Sequence
	}
	return resp, nil
}

func (s *positionService) ListJournals(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections are not configured")
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	journals, err := s.queries.GetJournalHistory(ctx, user, req.PageSize, cursor(req.PageRequest))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list journals: %v", err)
	}
	resp := &JournalHistoryResponse{Journals: journals}
	if n := len(journals); n > 0 && n == clampPage(req.PageSize) {
		// A full page may end inside a batch. Drop the partial batch and
		// point the cursor past it so the next page returns it whole.
		last := journals[n-1].Sequence
		cut := n
		for cut > 0 && journals[cut-1].Sequence == last {
			cut--
		}
		if cut == 0 {
			resp.NextCursor = last
		} else {
			resp.Journals = journals[:cut]
			resp.NextCursor = last + 1
		}
	}
	return resp, nil
}

// ---- admin ----

func (s *positionService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "event log is not configured")
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *positionService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.db == nil {
		return nil, status.Error(codes.Unavailable, "event log is not configured")
	}
	if err := projection.RebuildProjections(ctx, s.db); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild projections: %v", err)
	}
	wm, err := projection.LoadWatermark(ctx, s.db)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load watermark: %v", err)
	}
	return &RebuildResponse{Watermark: wm}, nil
}

func (s *positionService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	hash := s.engine.StateHash()
	resp := &EventLogInfoResponse{
		EngineSequence:  s.engine.Sequence(),
		EngineStateHash: hex.EncodeToString(hash[:]),
	}
	if s.snapshots != nil {
		seq, err := s.snapshots.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "latest sequence: %v", err)
		}
		resp.PersistedSequence = seq
	}
	return resp, nil
}

func (s *positionService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshotter == nil {
		return nil, status.Error(codes.Unavailable, "snapshots are not configured")
	}
	seq, size, err := s.snapshotter(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

// ---- request helpers ----

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArgument("%s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, invalidArgument("%s: %v", field, err)
	}
	return v, nil
}

func cursor(p PageRequest) *int64 {
	if p.BeforeSequence <= 0 {
		return nil
	}
	before := p.BeforeSequence
	return &before
}

func clampPage(size int) int {
	switch {
	case size <= 0:
		return query.DefaultLimit
	case size > query.MaxLimit:
		return query.MaxLimit
	}
	return size
}
