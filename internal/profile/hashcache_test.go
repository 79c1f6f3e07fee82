package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashCache(t *testing.T) {
	c := NewContentHashCache()

	assert.False(t, c.Unchanged("a", []byte("x")), "empty cache never matches")

	c.Record("a", []byte("x"))
	assert.True(t, c.Unchanged("a", []byte("x")))
	assert.False(t, c.Unchanged("a", []byte("y")))
	assert.False(t, c.Unchanged("b", []byte("x")), "hashes are per path")

	c.Clear("a")
	assert.False(t, c.Unchanged("a", []byte("x")))

	c.Record("a", []byte("x"))
	c.Record("b", []byte("y"))
	assert.Equal(t, 2, c.Len())
	c.ClearAll()
	assert.Zero(t, c.Len())
}
