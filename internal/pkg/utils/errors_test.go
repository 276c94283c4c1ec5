package utils

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrBadParam_Error(t *testing.T) {
	assert.Equal(t, "wrong param 'limit': olia", NewErrBadParam("limit", errors.New("olia")).Error())
}

func TestErrBadParam_Unwrap(t *testing.T) {
	assert.True(t, errors.Is(NewErrBadParam("limit", io.EOF), io.EOF))
	var bp *ErrBadParam
	assert.True(t, errors.As(NewErrBadParam("limit", io.EOF), &bp))
	assert.Equal(t, "limit", bp.Name)
}
