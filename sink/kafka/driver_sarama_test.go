package kafka

import (
	"testing"

	"github.com/IBM/sarama"

	"convoflow/sink"
)

func TestProducerConfig_HashPartitionerAndAcks(t *testing.T) {
	sc, err := producerConfig(Config{Brokers: []string{"b:9092"}, Version: "3.6.0", Idempotent: true, Compression: "zstd"})
	if err != nil {
		t.Fatalf("producerConfig: %v", err)
	}
	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatalf("want WaitForAll, got %v", sc.Producer.RequiredAcks)
	}
	if !sc.Producer.Return.Successes {
		t.Fatal("sync producer needs Return.Successes")
	}
	if sc.Producer.Compression != sarama.CompressionZSTD {
		t.Fatalf("want zstd, got %v", sc.Producer.Compression)
	}
	if sc.Net.MaxOpenRequests != 1 {
		t.Fatalf("idempotent producer needs MaxOpenRequests=1, got %d", sc.Net.MaxOpenRequests)
	}
	p := sc.Producer.Partitioner("t")
	if !p.RequiresConsistency() {
		t.Fatal("partitioner must be key-consistent")
	}
}

func TestProducerConfig_RequiredAcks(t *testing.T) {
	acks := func(v int16) *int16 { return &v }
	cases := []struct {
		name string
		in   *int16
		want sarama.RequiredAcks
	}{
		{"unset", nil, sarama.WaitForAll},
		{"no response", acks(0), sarama.NoResponse},
		{"leader", acks(1), sarama.WaitForLocal},
		{"all", acks(-1), sarama.WaitForAll},
	}
	for _, tc := range cases {
		sc, err := producerConfig(Config{Acks: tc.in})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if sc.Producer.RequiredAcks != tc.want {
			t.Fatalf("%s: want %v, got %v", tc.name, tc.want, sc.Producer.RequiredAcks)
		}
	}
}

func TestProducerConfig_BadVersion(t *testing.T) {
	if _, err := producerConfig(Config{Version: "not-a-version"}); err == nil {
		t.Fatal("expected version parse error")
	}
}

func TestToProducerMessage(t *testing.T) {
	m := toProducerMessage(sink.Record{
		Topic:   "changes",
		Key:     []byte("c1"),
		Value:   []byte("v"),
		Headers: map[string][]byte{"h": []byte("x")},
	})
	if m.Topic != "changes" || len(m.Headers) != 1 {
		t.Fatalf("unexpected message %+v", m)
	}
	k, _ := m.Key.Encode()
	if string(k) != "c1" {
		t.Fatalf("key = %q", k)
	}
}

func TestConfigure_RejectsEmpty(t *testing.T) {
	d := &driver{}
	if err := d.Configure(Config{}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if err := d.Configure(42); err == nil {
		t.Fatal("expected error for wrong type")
	}
}
