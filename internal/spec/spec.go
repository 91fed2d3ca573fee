// Package spec is the shape of the pipeline file: which stages run, which
// drivers they use, and where their tuning files live.
package spec

import (
	"convoflow/internal/store"
	sinkkafka "convoflow/sink/kafka"
	"convoflow/sink/kafkago"
	sinknats "convoflow/sink/nats"
)

type SinkConfigs struct {
	Kafka   sinkkafka.Config `yaml:"kafka"`
	KafkaGo kafkago.Config   `yaml:"kafkago"`
	NATS    sinknats.Config  `yaml:"nats"`
}

type DebugSection struct {
	PerRecordDelayMS int  `yaml:"per_record_delay_ms"`
	PrintCounter     bool `yaml:"print_counter"`
	PrintValue       bool `yaml:"print_value"`
	ValueMaxBytes    int  `yaml:"value_max_bytes"`
}

type CursorStoreSpec struct {
	Kind string `yaml:"kind"` // sql | pebble | memory
	Path string `yaml:"path"` // pebble directory

	SQL store.SQLConfig `yaml:",inline"`
}

type CaptureSection struct {
	Enabled bool   `yaml:"enabled"`
	Config  string `yaml:"config"`
	Topic   string `yaml:"topic"`
	Sink    string `yaml:"sink"`

	Source      store.RowSourceConfig `yaml:"source"`
	CursorStore CursorStoreSpec       `yaml:"cursor_store"`
}

type SourceSection struct {
	Kind   string `yaml:"kind"`
	Driver string `yaml:"driver"`
	Config string `yaml:"config"`
}

type AssemblySection struct {
	Enabled bool          `yaml:"enabled"`
	Source  SourceSection `yaml:"source"`
	Config  string        `yaml:"config"`

	OutputTopic     string `yaml:"output_topic"`
	DeadLetterTopic string `yaml:"dead_letter_topic"`
	Sink            string `yaml:"sink"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`
	NodeID        string `yaml:"node_id"`

	Capture  CaptureSection  `yaml:"capture"`
	Assembly AssemblySection `yaml:"assembly"`

	SinkConfigs SinkConfigs  `yaml:"sink_configs"`
	Debug       DebugSection `yaml:"debug"`
}
