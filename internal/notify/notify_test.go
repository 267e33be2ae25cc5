package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/process"
)

func sampleEvent() TransitionEvent {
	return TransitionEvent{
		TransactionID: "tx-1",
		TaskID:        "task-1",
		Transition:    process.TransitionAcceptOffer,
		State:         process.StateAccepted,
		ActorID:       "poster",
		Timestamp:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestLogPublisherWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	pub := Log{Logger: log.New(&buf, "", 0)}

	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
	require.NoError(t, pub.Close())
	assert.Equal(t, "transition ACCEPT_OFFER tx=tx-1 task=task-1 state=ACCEPTED actor=poster\n", buf.String())
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, Nop{}.Close())
}

func TestMessageIsKeyedByTask(t *testing.T) {
	evt := sampleEvent()
	msg, err := message(evt)
	require.NoError(t, err)
	assert.Equal(t, []byte("task-1"), msg.Key)
	assert.True(t, msg.Time.Equal(evt.Timestamp))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "tx-1", decoded["transactionId"])
	assert.Equal(t, "ACCEPT_OFFER", decoded["transition"])
	assert.Equal(t, "ACCEPTED", decoded["state"])
	assert.Equal(t, "poster", decoded["actorId"])
}
