package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanout(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	defer h.Unsubscribe(b)

	h.Publish(Make("s1", TypeSessionCreated, nil))

	assert.Equal(t, TypeSessionCreated, (<-a).Type)
	assert.Equal(t, "s1", (<-b).SessionID)

	h.Unsubscribe(a)
	h.Publish(Make("s1", TypeSessionFinished, nil))
	assert.Equal(t, TypeSessionFinished, (<-b).Type)

	_, open := <-a
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// fill the buffer and keep going; Publish must never block
	for i := 0; i < cap(ch)*3; i++ {
		h.Publish(Make("s1", TypeTaskResult, nil))
	}
	assert.Len(t, ch, cap(ch))
}

func TestMakeCarriesPayload(t *testing.T) {
	t.Parallel()

	e := Make("s1", TypeTaskResult, map[string]any{"status": "success"})
	assert.Equal(t, 1, e.Version)
	assert.False(t, e.At.IsZero())

	var data map[string]string
	require.NoError(t, json.Unmarshal(e.Data, &data))
	assert.Equal(t, "success", data["status"])

	assert.Contains(t, e.String(), `"type":"task_result"`)
}
