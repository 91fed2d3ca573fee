package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convoflow/internal/alarm"
	"convoflow/internal/assembly"
	"convoflow/internal/consumer"
	"convoflow/internal/cursor"
	"convoflow/internal/event"
	"convoflow/internal/spec"
	"convoflow/sink"
	"convoflow/source/kafka"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func seedCalls(t *testing.T, dsn string, now time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	// the shared in-memory database lives as long as one connection does
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE call_transcriptions (
		id INTEGER PRIMARY KEY,
		call_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		event_time BIGINT NOT NULL
	)`)
	require.NoError(t, err)

	rows := []struct {
		id   int
		call string
		role string
		at   time.Duration
	}{
		{1, "call-1", "Agent", -8 * time.Second},
		{2, "call-1", "Customer", -10 * time.Second},
		{3, "call-2", "Customer", -9 * time.Second},
		{4, "call-1", "Customer", -6 * time.Second},
		{5, "call-2", "Agent", -7 * time.Second},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO call_transcriptions (id, call_id, speaker, text, event_time) VALUES (?, ?, ?, ?, ?)`,
			r.id, r.call, r.role, fmt.Sprintf("utterance %d", r.id), now.Add(r.at).UnixMicro())
		require.NoError(t, err)
	}
}

func TestCompile_CaptureToAssembledUnits(t *testing.T) {
	now := time.Now()
	srcDSN := fmt.Sprintf("file:%s_src?mode=memory&cache=shared", t.Name())
	seedCalls(t, srcDSN, now)

	dir := writeFiles(t, map[string]string{
		"pipeline.yml": fmt.Sprintf(`schema_version: v1
node_id: node-a
capture:
  enabled: true
  config: capture.yml
  sink: memory
  source: {driver: sqlite3, dsn: %q, table: call_transcriptions}
  cursor_store: {kind: sql, driver: sqlite3, dsn: "file:%s_cur?mode=memory&cache=shared"}
assembly:
  enabled: true
  source: {kind: kafka, driver: memory, config: kafka_source.yml}
  config: assembly.yml
  output_topic: conversation.units
  sink: memory
`, srcDSN, t.Name()),
		"capture.yml": `schema_version: v1
poll_interval: 20ms
live_auto_start: true
`,
		"kafka_source.yml": "group_id: e2e\n",
		"assembly.yml": `buffer:
  inactivity_timeout: 150ms
  min_messages: 2
  sweep_interval: 20ms
`,
	})

	broker := kafka.NewMemoryBroker(2)
	ctx := context.Background()
	r, err := Compile(ctx, filepath.Join(dir, "pipeline.yml"), Options{Broker: broker})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		return len(broker.All(defaultUnitTopic)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Close(ctx))

	units := make(map[string]event.AssembledUnit)
	for _, m := range broker.All(defaultUnitTopic) {
		u, err := event.DecodeUnit(m.Value)
		require.NoError(t, err)
		require.Equal(t, u.Key, string(m.Key))
		units[u.Key] = u
	}

	call1 := units["call-1"]
	require.Equal(t, 3, call1.Metadata.MessageCount)
	require.Equal(t, assembly.ReasonInactivity, call1.Metadata.FlushReason)
	var ids []string
	for _, m := range call1.Messages {
		ids = append(ids, m.SourceRowID)
	}
	require.Equal(t, []string{"2", "1", "4"}, ids)
	require.Equal(t, []string{"Customer", "Agent"}, call1.Metadata.ParticipantRoles)
	require.Equal(t, 2, units["call-2"].Metadata.MessageCount)

	for _, m := range broker.All("conversation.changes") {
		ev, err := event.DecodeChangeEvent(m.Value)
		require.NoError(t, err)
		require.Equal(t, "node-a", ev.ProcessingNode)
		require.Equal(t, string(cursor.Live), ev.CDCMode)
	}

	var live bool
	for _, st := range r.Capture().Status() {
		if st.Mode == cursor.Live {
			live = true
			require.EqualValues(t, 5, st.TotalProcessed)
			require.Equal(t, "4", st.LastProcessedRowID)
		}
	}
	require.True(t, live)
	require.EqualValues(t, 5, r.Consumer().Metrics().Succeeded)
}

func TestBuild_RejectsUnknownSink(t *testing.T) {
	f := spec.File{Assembly: spec.AssemblySection{
		Enabled: true,
		Source:  spec.SourceSection{Kind: "kafka", Driver: "memory"},
		Sink:    "carrier-pigeon",
	}}
	_, err := Build(context.Background(), f, Options{})
	require.Error(t, err)
}

func TestBuild_RejectsUnknownSourceKind(t *testing.T) {
	f := spec.File{Assembly: spec.AssemblySection{Enabled: true, Source: spec.SourceSection{Kind: "rabbitmq"}}}
	_, err := Build(context.Background(), f, Options{})
	require.ErrorContains(t, err, "unsupported source")
}

type failingSink struct{}

func (failingSink) Configure(any) error { return nil }
func (failingSink) Close() error        { return nil }
func (failingSink) Publish(context.Context, ...sink.Record) error {
	return fmt.Errorf("unit topic unavailable")
}

func TestAppendHandler_OverflowFlushFailureIsOverload(t *testing.T) {
	ctx := context.Background()
	buf := assembly.NewBuffer(assembly.Config{MaxOpenBuffers: 1}, unitEmitter(failingSink{}, "units"), nil, alarm.NewBus())
	h := appendHandler(buf)

	ev := func(key string) event.ChangeEvent {
		return event.ChangeEvent{EntityID: key, ChangeType: event.Insert, PartitionKey: key,
			OwnerRole: "agent", PayloadText: "hi", EventTime: time.Now(), SourceRowID: key}
	}
	require.NoError(t, h(ctx, ev("a"), consumer.Delivery{}))
	err := h(ctx, ev("b"), consumer.Delivery{})
	require.ErrorIs(t, err, consumer.ErrOverloaded)
}
