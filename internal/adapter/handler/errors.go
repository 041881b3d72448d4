package handler

import (
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

var errBadRequest = errors.New("bad request")

// httpStatus maps the ledger error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case domain.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLedgerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, retry.ErrExhausted), domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrInvalidArgument):
		return codes.InvalidArgument
	case domain.IsValidation(err):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrLedgerNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrStaleVersion), errors.Is(err, retry.ErrExhausted), domain.IsTransient(err):
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// publicMessage hides internal failures from callers.
func publicMessage(err error) string {
	if httpStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
