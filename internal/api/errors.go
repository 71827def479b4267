package api

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code          string                `json:"code"`
	Message       string                `json:"message"`
	Status        int                   `json:"status"`
	Path          string                `json:"path"`
	CorrelationID string                `json:"correlation_id"`
	Timestamp     time.Time             `json:"timestamp"`
	Details       []apperror.FieldError `json:"details,omitempty"`
}

func respondError(c *gin.Context, err error) {
	appErr := apperror.From(err)
	ctx := c.Request.Context()

	message := appErr.Message
	if appErr.Status >= 500 {
		util.Logger(ctx).Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(err))
		if appErr.Code == apperror.CodeInternal {
			message = "Internal server error"
		}
	}

	c.AbortWithStatusJSON(appErr.Status, ErrorResponse{
		Code:          appErr.Code,
		Message:       message,
		Status:        appErr.Status,
		Path:          c.Request.URL.Path,
		CorrelationID: util.CorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
		Details:       appErr.Details,
	})
}

func respondUnauthorized(c *gin.Context, err error) {
	respondError(c, apperror.New(apperror.CodeUnauthorized, "Missing or invalid bearer token", err))
}

var setupValidator sync.Once

// useJSONFieldNames makes binding errors name fields as clients send them.
func useJSONFieldNames() {
	setupValidator.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(func(fld reflect.StructField) string {
				name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})
}

// bindError turns a binding failure into a validation error with field details.
func bindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperror.Validation("Malformed request body")
	}

	details := make([]apperror.FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, apperror.FieldError{Field: fe.Field(), Message: validationMessage(fe)})
	}
	return apperror.Validation("Request validation failed").WithDetails(details...)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must be at least " + fe.Param()
	default:
		return "Failed on " + fe.Tag()
	}
}
