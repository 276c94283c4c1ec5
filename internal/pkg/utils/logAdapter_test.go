package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vgarvardt/gue/v5/adapter"
)

func TestGueLogAdapter_With(t *testing.T) {
	l := NewGueLoggerAdapter()
	l1 := l.With(adapter.Field{Key: "a", Value: 1}).(*GueLogAdapter)
	l2 := l1.With(adapter.Field{Key: "b", Value: 2}).(*GueLogAdapter)
	assert.Empty(t, l.fields)
	assert.Equal(t, []adapter.Field{adapter.Field{Key: "a", Value: 1}}, l1.fields)
	assert.Equal(t, []adapter.Field{adapter.Field{Key: "a", Value: 1}, adapter.Field{Key: "b", Value: 2}}, l2.fields)
	l2.Info("olia")
	l2.Debug("olia")
	l2.Error("olia")
}
