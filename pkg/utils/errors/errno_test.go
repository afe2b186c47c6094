package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeAndParseCode(t *testing.T) {
	code := MakeCode(ServiceKBQuery, CategoryTimeout, 1)
	assert.Equal(t, 2111001, code)

	service, category, seq := ParseCode(code)
	assert.Equal(t, ServiceKBQuery, service)
	assert.Equal(t, CategoryTimeout, category)
	assert.Equal(t, 1, seq)

	assert.True(t, IsServerError(code))
	assert.False(t, IsClientError(code))
	assert.True(t, IsClientError(ErrKBInvalidRequest.Code))
}

func TestErrno_WithCauseDoesNotMutateRegistered(t *testing.T) {
	cause := fmt.Errorf("boom")
	wrapped := ErrKBQueryFailed.WithCause(cause)

	assert.Nil(t, ErrKBQueryFailed.Unwrap())
	assert.Equal(t, cause, wrapped.Unwrap())
	assert.True(t, stderrors.Is(wrapped, ErrKBQueryFailed))
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestErrno_Message(t *testing.T) {
	assert.Equal(t, "Query timeout", ErrKBQueryTimeout.Message("en"))
	assert.Equal(t, "查询超时", ErrKBQueryTimeout.Message("zh"))
	assert.Equal(t, "Zeitüberschreitung bei der Anfrage", ErrKBQueryTimeout.Message("de"))

	// 没有德语消息时回退到英文
	assert.Equal(t, "Chunk indexing failed", ErrKBIndexFailed.Message("de"))
}

func TestErrno_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, ErrKBQueryTimeout.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, (&Errno{Code: 1}).HTTPStatus())
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	wrapped := fmt.Errorf("stage: %w", ErrKBSynthesisFailed)
	assert.Equal(t, ErrKBSynthesisFailed.Code, FromError(wrapped).Code)

	assert.Equal(t, ErrKBQueryTimeout.Code, FromError(context.DeadlineExceeded).Code)
	assert.Equal(t, ErrInternal.Code, FromError(fmt.Errorf("other")).Code)

	assert.Equal(t, ErrKBSynthesisFailed.Code, GetCode(wrapped))
	assert.Equal(t, -1, GetCode(fmt.Errorf("plain")))
	assert.True(t, IsCode(wrapped, ErrKBSynthesisFailed.Code))
}

func TestRegister_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(New(ErrKBQueryFailed.Code, http.StatusInternalServerError, "dup", "重复"))
	})

	e, ok := Lookup(ErrKBQueryFailed.Code)
	assert.True(t, ok)
	assert.Equal(t, "Query processing failed", e.MessageEN)
	assert.Greater(t, RegistrySize(), 5)
}
