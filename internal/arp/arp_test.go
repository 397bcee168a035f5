package arp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCache = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.10     0x1         0x2         02:00:00:00:00:01     *        wlan0
192.168.1.11     0x1         0x2         02:00:00:00:00:02     *        wlan0
this line is garbage
192.168.1.12     0x1         0x0         00:00:00:00:00:00     *        wlan0
`

func TestParseSkipsHeaderAndGarbage(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleCache))
	require.NoError(t, err)

	mac, ok := tbl.Lookup([4]byte{192, 168, 1, 10})
	require.True(t, ok)
	assert.Equal(t, "02:00:00:00:00:01", mac.String())

	mac, ok = tbl.Lookup([4]byte{192, 168, 1, 11})
	require.True(t, ok)
	assert.Equal(t, "02:00:00:00:00:02", mac.String())

	_, ok = tbl.Lookup([4]byte{10, 0, 0, 1})
	assert.False(t, ok)
}

func TestParseEmpty(t *testing.T) {
	tbl, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, tbl)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/for/test")
	assert.Error(t, err)
}
