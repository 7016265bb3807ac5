package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"StableLedger/internal/ingestion"
	"StableLedger/internal/observability"
	"StableLedger/internal/persistence"
	"StableLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves PositionService over gRPC and HTTP/JSON.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *positionService
	metrics       *observability.Metrics
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
}

// ServerDeps holds all dependencies needed by the API. Only Engine is required.
type ServerDeps struct {
	Engine        Engine
	DB            *sql.DB
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshotter   Snapshotter
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		service: &positionService{
			engine:      deps.Engine,
			queries:     deps.QueryService,
			db:          deps.DB,
			snapshots:   deps.SnapshotMgr,
			snapshotter: deps.Snapshotter,
		},
		metrics:       deps.Metrics,
		healthChecker: deps.HealthChecker,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor))
	s.grpcServer.RegisterService(&PositionServiceDesc, s.service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// Server exposes the underlying grpc.Server, for serving on a custom listener.
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *GRPCServer) observe(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(method).Inc()
	s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
	}
}

// Handler returns the HTTP/JSON API together with the health endpoints.
func (s *GRPCServer) Handler() http.Handler {
	mux := runtime.NewServeMux()
	s.registerRoutes(mux)

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// StartHTTPGateway starts the HTTP/JSON API (blocking). Routes call the
// service in process rather than proxying through the gRPC listener.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// route adapts a service call to a gateway handler: it builds the request
// from the path and query, then writes the response or a mapped error.
func route[Req, Resp any](s *GRPCServer, method string, build func(r *http.Request, p map[string]string) (*Req, error), call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		req, err := build(r, p)
		if err == nil {
			var resp *Resp
			resp, err = call(r.Context(), req)
			if err == nil {
				s.observe(method, start, nil)
				writeJSON(w, resp)
				return
			}
		}
		err = toStatus(err)
		s.observe(method, start, err)
		writeError(w, err)
	}
}

// opCommand is a command posted to /v1/commands/{op}.
type opCommand struct {
	op      string
	payload ingestion.CommandPayload
}

func empty(*http.Request, map[string]string) (*Empty, error) { return &Empty{}, nil }

func account(_ *http.Request, p map[string]string) (*AccountRequest, error) {
	return &AccountRequest{User: p["user"]}, nil
}

func pageOf(r *http.Request) (PageRequest, error) {
	var page PageRequest
	q := r.URL.Query()
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, invalidArgument("page_size: %v", err)
		}
		page.PageSize = n
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return page, invalidArgument("before_sequence: %v", err)
		}
		page.BeforeSequence = n
	}
	return page, nil
}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) {
	svc := s.service
	handle := func(method, pattern string, h runtime.HandlerFunc) {
		if err := mux.HandlePath(method, pattern, h); err != nil {
			panic(fmt.Sprintf("register %s %s: %v", method, pattern, err))
		}
	}

	handle("POST", "/v1/commands/{op}", route(s, "http.Command",
		func(r *http.Request, p map[string]string) (*opCommand, error) {
			cmd := &opCommand{op: p["op"]}
			if err := json.NewDecoder(r.Body).Decode(&cmd.payload); err != nil {
				return nil, invalidArgument("decode command: %v", err)
			}
			return cmd, nil
		},
		func(ctx context.Context, cmd *opCommand) (*ReceiptResponse, error) {
			return svc.command(ctx, cmd.op, &cmd.payload)
		}))

	handle("GET", "/v1/accounts/{user}", route(s, "http.GetAccountInformation", account, svc.GetAccountInformation))
	handle("GET", "/v1/accounts/{user}/health", route(s, "http.GetHealthFactor", account, svc.GetHealthFactor))
	handle("GET", "/v1/accounts/{user}/collateral_value", route(s, "http.GetAccountCollateralValue", account, svc.GetAccountCollateralValue))
	handle("GET", "/v1/accounts/{user}/collateral/{asset}", route(s, "http.GetCollateralBalance",
		func(_ *http.Request, p map[string]string) (*CollateralBalanceRequest, error) {
			return &CollateralBalanceRequest{User: p["user"], Asset: p["asset"]}, nil
		}, svc.GetCollateralBalance))
	handle("GET", "/v1/accounts/{user}/position", route(s, "http.GetPosition", account, svc.GetPosition))
	handle("GET", "/v1/accounts/{user}/journals", route(s, "http.ListJournals",
		func(r *http.Request, p map[string]string) (*JournalHistoryRequest, error) {
			page, err := pageOf(r)
			return &JournalHistoryRequest{User: p["user"], PageRequest: page}, err
		}, svc.ListJournals))
	handle("GET", "/v1/accounts/{user}/liquidations", route(s, "http.ListLiquidations",
		func(r *http.Request, p map[string]string) (*LiquidationHistoryRequest, error) {
			page, err := pageOf(r)
			return &LiquidationHistoryRequest{Account: p["user"], Role: r.URL.Query().Get("role"), PageRequest: page}, err
		}, svc.ListLiquidations))

	handle("GET", "/v1/assets", route(s, "http.GetCollateralTokens", empty, svc.GetCollateralTokens))
	handle("GET", "/v1/assets/{asset}/usd_value", route(s, "http.GetUsdValue",
		func(r *http.Request, p map[string]string) (*UsdValueRequest, error) {
			return &UsdValueRequest{Asset: p["asset"], Amount: r.URL.Query().Get("amount")}, nil
		}, svc.GetUsdValue))
	handle("GET", "/v1/assets/{asset}/token_amount", route(s, "http.GetTokenAmountFromUsd",
		func(r *http.Request, p map[string]string) (*TokenAmountRequest, error) {
			return &TokenAmountRequest{Asset: p["asset"], UsdAmount: r.URL.Query().Get("usd_amount")}, nil
		}, svc.GetTokenAmountFromUsd))
	handle("GET", "/v1/parameters", route(s, "http.GetParameters", empty, svc.GetParameters))

	handle("POST", "/v1/admin/verify_integrity", route(s, "http.VerifyIntegrity", empty, svc.VerifyIntegrity))
	handle("POST", "/v1/admin/rebuild_projections", route(s, "http.RebuildProjections", empty, svc.RebuildProjections))
	handle("POST", "/v1/admin/snapshot", route(s, "http.TakeSnapshot", empty, svc.TakeSnapshot))
	handle("GET", "/v1/admin/event_log", route(s, "http.GetEventLogInfo", empty, svc.GetEventLogInfo))
}
