package model

import (
	"net/http"

	"github.com/Brownie44l1/digit-api/internal/response"
)

var (
	ErrModelUnavailable = response.NewError(http.StatusServiceUnavailable, "model unavailable")
	ErrInference        = response.NewError(http.StatusInternalServerError, "inference failed")
)
