package api

import (
	"errors"
	"fmt"
)

// ErrAuthLost is returned for every 401-class response. The registered
// auth-lost hook fires before the caller sees it.
var ErrAuthLost = errors.New("authentication lost")

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *ApiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
