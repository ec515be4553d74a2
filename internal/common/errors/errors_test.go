package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsCodeAndField(t *testing.T) {
	base := ValidationError("agent_ids", "unknown agent 'bob'")
	wrapped := Wrap(base, "failed to start session")

	assert.Equal(t, CodeValidation, wrapped.Code)
	assert.Equal(t, "agent_ids", wrapped.Field)
	assert.Equal(t, http.StatusBadRequest, wrapped.HTTPStatus())
	assert.True(t, IsBadRequest(wrapped))
	assert.Contains(t, wrapped.Message, "failed to start session: validation failed")
}

func TestWrapPlainErrorIsInternal(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(cause, "failed to save")
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestSentinelSurvivesWrapping(t *testing.T) {
	sentinel := Conflict("session is not running")
	err := fmt.Errorf("cancel: %w", Wrap(sentinel, "cancel session"))
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("session", "s1"), http.StatusNotFound},
		{BadRequest("bad"), http.StatusBadRequest},
		{Conflict("busy"), http.StatusConflict},
		{ServiceUnavailable("target"), http.StatusServiceUnavailable},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{&AppError{Code: "TEAPOT"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestWithCauseCopies(t *testing.T) {
	base := ServiceUnavailable("target https://shop.test")
	cause := errors.New("connection refused")
	withCause := base.WithCause(cause)

	assert.NoError(t, base.Unwrap())
	assert.ErrorIs(t, withCause, cause)
	assert.Equal(t, base.Message, withCause.Message)
}
