package client

import (
	"errors"
	"net/http"

	"github.com/mengeric/jobcore/model"
)

// 错误码，与 HTTP 状态码一一对应。
const (
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeValidation   = "validation"
	CodeInternal     = "internal"
)

// Classify 把领域错误映射为 HTTP 状态码与错误码。
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	}
	return http.StatusInternalServerError, CodeInternal
}

// sentinel 错误码还原为领域错误，便于调用方使用 errors.Is。
func sentinel(code string) error {
	switch code {
	case CodeNotFound:
		return model.ErrNotFound
	case CodeInvalidState:
		return model.ErrInvalidState
	case CodeValidation:
		return model.ErrValidation
	}
	return nil
}
