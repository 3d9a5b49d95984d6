package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"library-lending/library"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind error) int {
	switch kind {
	case library.ErrValidation:
		return http.StatusBadRequest
	case library.ErrNotFound:
		return http.StatusNotFound
	case library.ErrConflict, library.ErrOutOfStock, library.ErrAlreadyBorrowed:
		return http.StatusConflict
	case library.ErrAuthorization:
		return http.StatusForbidden
	case library.ErrAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := library.KindOf(err)
	status := statusFor(kind)
	if kind == nil {
		s.logger.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "message": "internal server error"})
		return
	}

	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="library"`)
	}
	body := gin.H{"error": kind.Error(), "message": err.Error()}
	var e *library.Error
	if errors.As(err, &e) {
		if e.Entity != "" {
			body["entity"] = e.Entity
		}
		if e.ID != 0 {
			body["id"] = e.ID
		}
		if e.Field != "" {
			body["field"] = e.Field
		}
	}
	c.AbortWithStatusJSON(status, body)
}
