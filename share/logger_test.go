package ppshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerForkPrefixes(t *testing.T) {
	root := NewTestLogger("paper")
	assert.Equal(t, "paper", root.Prefix())
	assert.True(t, root.IsDebug())

	child := root.Fork("channel-%d", 7)
	assert.Equal(t, "paper.channel-7", child.Prefix())
	assert.Equal(t, "paper", root.Prefix(), "fork must not mutate the parent")
}

func TestLoggerErrorfCarriesPrefix(t *testing.T) {
	l := NewTestLogger("paper").Fork("hosts")
	err := l.Errorf("write failed: %s", "disk full")
	assert.EqualError(t, err, "paper.hosts: write failed: disk full")

	// The logging variants return the same prefixed error they emit.
	assert.EqualError(t, l.DLogErrorf("d: %d", 1), "paper.hosts: d: 1")
	assert.EqualError(t, l.WLogErrorf("w: %d", 2), "paper.hosts: w: 2")
	assert.EqualError(t, l.ELogErrorf("e: %d", 3), "paper.hosts: e: 3")
}
