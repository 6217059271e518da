package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formscout/formscout/pkg/budget"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/secrets"
	"github.com/formscout/formscout/pkg/services"
)

// respondError is the single place service errors become HTTP statuses.
func respondError(c *gin.Context, err error) {
	var validation *services.ValidationError
	var denied *budget.AccessDeniedError
	var exceeded *budget.BudgetExceededError
	var kms *secrets.KmsError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, secrets.ErrSecretNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": denied.Error()})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": exceeded.Error()})
	case errors.Is(err, services.ErrTerminal), errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &kms),
		errors.Is(err, faststore.ErrNotFound),
		errors.Is(err, faststore.ErrVersionConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backing store unavailable"})
	default:
		slog.Error("Unhandled API error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
