package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/validation"
)

// ValidateJSON binds the JSON body and runs its binding rules
func ValidateJSON(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		if verr := validation.FromBindError(err); verr != nil {
			return verr
		}
		return err
	}
	return nil
}

// RespondWithValidationError sends a standardized validation error response
func RespondWithValidationError(c *gin.Context, err error) {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		common.AppErrorResponse(c, common.NewBadRequestError("validation failed", err).WithDetails(verr.Details()))
		return
	}
	common.AppErrorResponse(c, common.NewBadRequestError("invalid request format", err).WithDetails(map[string]interface{}{
		"error": err.Error(),
	}))
}

// ValidateAndBind validates and binds request to the provided struct
// Returns true if validation passes, false otherwise (and sends error response)
func ValidateAndBind(c *gin.Context, req interface{}) bool {
	if err := ValidateJSON(c, req); err != nil {
		RespondWithValidationError(c, err)
		return false
	}
	return true
}

// MaxBodySize limits the request body size
func MaxBodySize(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}
