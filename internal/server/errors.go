package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"StableLedger/internal/engine"
	"StableLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// apiError carries an error class next to the gRPC code so the HTTP gateway
// can report both.
type apiError struct {
	code  codes.Code
	class engine.Class
	err   error
}

func (e *apiError) Error() string { return e.err.Error() }

func (e *apiError) Unwrap() error { return e.err }

func (e *apiError) GRPCStatus() *status.Status { return status.New(e.code, e.err.Error()) }

// toStatus maps an engine or request error onto a gRPC code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	class := engine.ClassOf(err)
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrDuplicateOperation):
		code = codes.AlreadyExists
	case errors.Is(err, ingestion.ErrInvalidCommand):
		code, class = codes.InvalidArgument, engine.ClassValidation
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case class == engine.ClassValidation:
		code = codes.InvalidArgument
	case class == engine.ClassLedger, class == engine.ClassInsolvency, class == engine.ClassLiquidation:
		code = codes.FailedPrecondition
	case class == engine.ClassTransfer:
		code = codes.Aborted
	case class == engine.ClassOracle:
		code = codes.Unavailable
	}
	return &apiError{code: code, class: class, err: err}
}

func invalidArgument(format string, args ...any) error {
	return &apiError{code: codes.InvalidArgument, class: engine.ClassValidation, err: fmt.Errorf(format, args...)}
}

// errorBody is the JSON error returned by the HTTP gateway.
type errorBody struct {
	Code    string `json:"code"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(err)
	body := errorBody{Code: st.Code().String(), Message: st.Message()}
	var ae *apiError
	if errors.As(err, &ae) {
		body.Class = string(ae.class)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
