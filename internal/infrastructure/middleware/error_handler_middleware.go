package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"airwave/internal/core/domain"
	"airwave/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last handler error into a JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = FromDomain(err)
		}
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(http.StatusInternalServerError, errorBody(errors.NewInternalError("Internal server error")))
			return
		}

		log := logger.Warnw
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("application error",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		)

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// abortWithAppError ends the chain from middleware that runs before the
// error handler is reached.
func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}

// FromDomain maps signaling errors onto HTTP errors. It returns nil for
// errors it does not recognize.
func FromDomain(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrNoMicrophone):
		return withCause(errors.NewUnprocessableError("Microphone access denied"), err)
	case stderrors.Is(err, domain.ErrAlreadyBroadcasting),
		stderrors.Is(err, domain.ErrAlreadyListeningSame),
		stderrors.Is(err, domain.ErrCannotJoinWhileBroadcasting):
		return withCause(errors.NewConflictError(err.Error()), err)
	case stderrors.Is(err, domain.ErrNotBroadcasting):
		return withCause(errors.NewConflictError("not broadcasting"), err)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return withCause(errors.NewNotFoundError("session"), err)
	case stderrors.Is(err, domain.ErrRecordNotFound):
		return withCause(errors.NewNotFoundError("record"), err)
	case stderrors.Is(err, domain.ErrEngineClosed):
		return withCause(errors.NewServiceUnavailableError("session closed"), err)
	case domain.IsRegistrationError(err), stderrors.Is(err, domain.ErrRelayUnavailable):
		return errors.NewBadGatewayError("relay request failed", err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusServiceUnavailable)
	}
	return nil
}

func withCause(appErr *errors.AppError, cause error) *errors.AppError {
	appErr.Cause = cause
	return appErr
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWithAppError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}
