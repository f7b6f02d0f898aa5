package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/medistock/internal/core/domain"
)

type kindMapping struct {
	http int
	grpc codes.Code
}

var kindStatus = map[domain.Kind]kindMapping{
	domain.KindNotFound:                    {http.StatusNotFound, codes.NotFound},
	domain.KindInsufficientStock:           {http.StatusConflict, codes.FailedPrecondition},
	domain.KindInsufficientPendingBalance:  {http.StatusConflict, codes.FailedPrecondition},
	domain.KindInvalidQuantity:             {http.StatusBadRequest, codes.InvalidArgument},
	domain.KindInvalidRequest:              {http.StatusBadRequest, codes.InvalidArgument},
	domain.KindEmptyReservation:            {http.StatusConflict, codes.FailedPrecondition},
	domain.KindDuplicateRequest:            {http.StatusConflict, codes.AlreadyExists},
	domain.KindReservationExpired:          {http.StatusGone, codes.FailedPrecondition},
	domain.KindReservationAlreadyFulfilled: {http.StatusConflict, codes.AlreadyExists},
	domain.KindTransactionConflict:         {http.StatusServiceUnavailable, codes.Aborted},
}

func httpStatus(kind domain.Kind) int {
	if m, ok := kindStatus[kind]; ok {
		return m.http
	}
	return http.StatusInternalServerError
}

func grpcCode(kind domain.Kind) codes.Code {
	if m, ok := kindStatus[kind]; ok {
		return m.grpc
	}
	return codes.Internal
}

// publicMessage hides storage details. Internal errors and lock conflicts
// carry driver text, so only their fixed message reaches the client.
func publicMessage(err error) string {
	switch domain.KindOf(err) {
	case domain.KindInternal:
		return "internal error"
	case domain.KindTransactionConflict:
		return domain.ErrTransactionConflict.Error()
	}
	return err.Error()
}

func lineMedicine(err error) int64 {
	var lineErr *domain.LineError
	if errors.As(err, &lineErr) {
		return lineErr.MedicineID
	}
	return 0
}
