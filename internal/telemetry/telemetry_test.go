package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateClientIDIsUniqueAndPrefixed(t *testing.T) {
	a := generateClientID()
	b := generateClientID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "sdrmac_")
}

func TestEventMarshalsExpectedFields(t *testing.T) {
	ev := Event{ID: "x", Timestamp: 1, Protocol: "csma", MAC: "02:00:00:00:00:01", Kind: "acked"}
	b, err := json.Marshal(ev)
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"acked"`)
}
