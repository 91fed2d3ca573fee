package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"convoflow/sink"
)

func TestStreamName(t *testing.T) {
	require.Equal(t, "conversation_units", streamName("conversation.units"))
	require.Equal(t, "plain", streamName("plain"))
}

func TestToMsg_KeyInHeader(t *testing.T) {
	m := toMsg(sink.Record{
		Topic:   "conversation.units",
		Key:     []byte("conv-9"),
		Value:   []byte("v"),
		Headers: map[string][]byte{"flush-reason": []byte("inactivity")},
	})
	require.Equal(t, "conversation.units", m.Subject)
	require.Equal(t, "conv-9", m.Header.Get(KeyHeader))
	require.Equal(t, "inactivity", m.Header.Get("flush-reason"))
	require.Equal(t, []byte("v"), m.Data)
}

func TestConfigure_RequiresURL(t *testing.T) {
	d := &driver{}
	require.Error(t, d.Configure(Config{}))
}
