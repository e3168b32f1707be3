package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/image-enricher/internal/store"
	"github.com/menta2k/image-enricher/pkg/gcv"
	"github.com/menta2k/image-enricher/pkg/imageref"
)

// APIResponse is the envelope of every JSON reply
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func respond(c *gin.Context, httpStatus int, success bool, message string, data any) {
	if message == "" {
		if success {
			message = "ok"
		} else {
			message = http.StatusText(httpStatus)
		}
	}
	if data == nil {
		data = gin.H{}
	}
	c.JSON(httpStatus, APIResponse{Success: success, Data: data, Message: message, Code: httpStatus})
}

func respondSuccess(c *gin.Context, httpStatus int, data any) {
	respond(c, httpStatus, true, "", data)
}

func respondError(c *gin.Context, httpStatus int, message string) {
	respond(c, httpStatus, false, message, nil)
}

// statusFor maps domain errors onto HTTP statuses
func statusFor(err error) int {
	var (
		invalid   *imageref.InvalidImageError
		service   *gcv.ServiceError
		transport *gcv.TransportError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &service), errors.As(err, &transport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondErr(c *gin.Context, err error) {
	respondError(c, statusFor(err), err.Error())
}
