package api

import (
	"errors"
	"net/http"

	"order-workflow/internal/errs"
	"order-workflow/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusCode maps the error taxonomy onto HTTP
func statusCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrProtectedStatus):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrStatusInUse), errors.Is(err, errs.ErrStaleTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := statusCode(err)

	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		c.JSON(code, gin.H{
			"error":      "Validation failed",
			"violations": verr.Violations,
		})
		return
	}

	if code == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
