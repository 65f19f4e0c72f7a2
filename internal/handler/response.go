package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"invoice-approval/internal/ledger"
	"invoice-approval/internal/model"
)

func success(c *gin.Context, fields gin.H) {
	body := gin.H{"status": "success"}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message})
}

// failErr maps domain errors to a status code. Only validation messages are
// passed through; everything else gets the generic message.
func failErr(c *gin.Context, err error, generic string) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ve.Error())
	case errors.Is(err, ledger.ErrNotFound):
		fail(c, http.StatusNotFound, "invoice not found")
	default:
		fail(c, http.StatusInternalServerError, generic)
	}
}
