package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.True(t, Valid(id))
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, New())
}

func TestValid_Rejects(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-uuid"))
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wal_")
	assert.True(t, strings.HasPrefix(id, "wal_"))
	assert.Len(t, id, 4+24)
}
