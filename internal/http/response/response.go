package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps the orchestration error taxonomy onto HTTP
// statuses.
func RespondServiceError(c *gin.Context, err error) {
	var (
		missingCred *ai.MissingCredentialError
		badConfig   *ai.ConfigurationError
		overflow    *ai.ContextOverflowError
		transport   *ai.TransportError
	)

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, services.ErrStreamActive):
		RespondError(c, http.StatusConflict, "stream_active", err)
	case errors.As(err, &missingCred):
		RespondError(c, http.StatusBadRequest, "missing_credential", err)
	case errors.As(err, &badConfig):
		RespondError(c, http.StatusBadRequest, "configuration_error", err)
	case errors.As(err, &overflow):
		RespondError(c, http.StatusRequestEntityTooLarge, "context_overflow", err)
	case errors.As(err, &transport):
		RespondError(c, http.StatusBadGateway, "transport_error", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}
