package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Apurer/orderdesk/internal/domains/orders/application"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	apierrors "github.com/Apurer/orderdesk/internal/shared/errors"
)

var responder = apierrors.NewChainedResponder("", mapOrderError)

// mapOrderError translates application and port errors into problem documents.
func mapOrderError(err error) (apierrors.ProblemDetail, bool) {
	switch {
	case errors.Is(err, application.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidContext):
		return apierrors.ErrValidation.WithDetail(err.Error()), true
	case errors.Is(err, ports.ErrNotFound):
		return apierrors.ErrNotFound.WithDetail(err.Error()), true
	case errors.Is(err, ports.ErrUnknownContext):
		return apierrors.ErrNotFound.WithDetail(err.Error()), true
	case errors.Is(err, ports.ErrConflict):
		return apierrors.ErrConflict.WithDetail(err.Error()), true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, application.ErrRegistryClosed):
		return apierrors.ErrUnavailable.WithDetail(err.Error()), true
	}
	return apierrors.ProblemDetail{}, false
}

func respondServiceError(c *gin.Context, err error) {
	responder.RespondError(c, err)
}

// respondError answers binding failures and other transport errors by status.
func respondError(c *gin.Context, status int, err error) {
	if err == nil {
		return
	}
	switch status {
	case http.StatusBadRequest:
		responder.BadRequest(c, err.Error())
	default:
		responder.InternalError(c, err.Error())
	}
}
