package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", HashString(""))
	assert.Len(t, HashString("2024-03-10|rh"), 32)
}

func TestDigest(t *testing.T) {
	digest := func(records ...string) string {
		d := NewDigest()
		for _, r := range records {
			d.Add([]byte(r))
		}
		return d.Sum()
	}

	assert.Equal(t, digest("a", "b"), digest("a", "b"))
	assert.NotEqual(t, digest("a", "b"), digest("b", "a"))
	assert.NotEqual(t, digest("ab", "c"), digest("a", "bc"))
	assert.NotEqual(t, digest(), digest(""))

	d := NewDigest()
	d.Add([]byte("x"))
	assert.Equal(t, 1, d.Count())
}
