package protoversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleSameMajor(t *testing.T) {
	ok, err := Compatible("1.0.0", "1.4.2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompatibleDifferentMajor(t *testing.T) {
	ok, err := Compatible("1.0.0", "2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompatibleUnparsableVersion(t *testing.T) {
	_, err := Compatible("1.0.0", "not-a-version")
	assert.Error(t, err)

	_, err = Compatible("not-a-version", "1.0.0")
	assert.Error(t, err)
}
