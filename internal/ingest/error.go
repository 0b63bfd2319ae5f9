package ingest

import (
	"net/http"

	"github.com/Brownie44l1/digit-api/internal/response"
)

var (
	ErrNoImageProvided = response.NewError(http.StatusBadRequest, "no image provided")
	ErrImageDecode     = response.NewError(http.StatusInternalServerError, "image could not be decoded")
)
