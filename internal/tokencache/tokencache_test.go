package tokencache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetGetClear(t *testing.T) {
	c := New()

	_, ok := c.Get("commits")
	assert.False(t, ok)

	c.Set("commits", `W/"etag-1"`)
	token, ok := c.Get("commits")
	assert.True(t, ok)
	assert.Equal(t, `W/"etag-1"`, token)
	assert.Equal(t, 1, c.Len())

	c.Clear("commits")
	_, ok = c.Get("commits")
	assert.False(t, ok)
}

func TestCache_ClearAllResetsLastResult(t *testing.T) {
	c := New()
	c.Set("commits", "a")
	c.Set("gdrive-config-modtime", "b")
	c.SetLastResult(PollChanged)

	c.ClearAll()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, PollUnknown, c.LastResult())
}

func TestCache_ClearDoesNotAffectCapturedToken(t *testing.T) {
	c := New()
	c.Set("commits", "captured")

	// a caller captured the token by value before the clear
	token, _ := c.Get("commits")
	c.ClearAll()
	assert.Equal(t, "captured", token)
}

func TestPollResult_Strings(t *testing.T) {
	assert.Equal(t, "unknown", PollUnknown.String())
	assert.Equal(t, "no-change", PollNoChange.String())
	assert.Equal(t, "changed", PollChanged.String())
	assert.Equal(t, "error", PollError.String())
}

func TestPollResult_ErrorIsNotNoChange(t *testing.T) {
	c := New()
	c.SetLastResult(PollError)
	assert.NotEqual(t, PollNoChange, c.LastResult())
}
