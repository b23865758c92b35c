package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/nas"
	"github.com/codelaboratoryltd/radius-ledger/pkg/subscriber"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// writeError answers with the status apperr assigns to err and a
// {message} body.
func writeError(c *gin.Context, err error) {
	err = apperr.FromContext(err)
	status := apperr.HTTPStatus(err)
	c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
}

// bind decodes the JSON body into dst, answering 400 on failure.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, apperr.InvalidArgument("invalid request body: %v", err))
		return false
	}
	return true
}

// pagination parses limit and offset. limit is clamped to [1, 500] and
// defaults to 100; a negative or malformed offset is rejected.
func pagination(c *gin.Context) (limit, offset int, err error) {
	limit = defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apperr.InvalidArgument("limit must be an integer, got %q", raw)
		}
	}
	limit = min(max(limit, 1), maxLogLimit)

	if raw := c.Query("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apperr.InvalidArgument("offset must be an integer, got %q", raw)
		}
		if offset < 0 {
			return 0, 0, apperr.InvalidArgument("offset must not be negative, got %d", offset)
		}
	}
	return limit, offset, nil
}

type result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

var registerOnce sync.Once

// registerValidators adds the domain tags used in request binding.
func registerValidators(logger *zap.Logger) {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			logger.Warn("Binding validator is not go-playground; custom tags unavailable")
			return
		}
		rules := map[string]validator.Func{
			"userstatus": func(fl validator.FieldLevel) bool {
				return subscriber.Status(fl.Field().String()).Valid()
			},
			"nastype": func(fl validator.FieldLevel) bool {
				return nas.ValidType(fl.Field().String())
			},
			"nasstatus": func(fl validator.FieldLevel) bool {
				return nas.Status(fl.Field().String()).Valid()
			},
		}
		for tag, fn := range rules {
			if err := v.RegisterValidation(tag, fn); err != nil {
				logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
			}
		}
	})
}

func notFoundRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"message": "route not found"})
}
