package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"convoflow/sink"
	"convoflow/source/kafka"
)

func TestPublish_SameKeySamePartitionInOrder(t *testing.T) {
	b := kafka.NewMemoryBroker(4)
	d := New(b)

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx,
		sink.Record{Topic: "changes", Key: []byte("c1"), Value: []byte("1")},
		sink.Record{Topic: "changes", Key: []byte("c1"), Value: []byte("2")},
		sink.Record{Topic: "changes", Key: []byte("c1"), Value: []byte("3")},
	))

	msgs := b.Messages("changes", b.PartitionFor([]byte("c1")))
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.EqualValues(t, i, m.Offset)
		require.Equal(t, []byte{byte('1' + i)}, m.Value)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	d := New(kafka.NewMemoryBroker(1))
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Publish(context.Background(), sink.Record{Topic: "t"}), ErrClosed)
}
