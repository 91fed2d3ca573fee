package kafka

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestCheckpointer_CommitCadence(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	cp := NewCheckpointer(clk, 5*time.Second)

	if cp.Mark("t", 0, 1) {
		t.Fatal("commit should not be due before the interval")
	}
	clk.Advance(5 * time.Second)
	if !cp.Mark("t", 0, 2) {
		t.Fatal("commit should be due after the interval")
	}
	cp.Committed()
	if cp.Dirty() {
		t.Fatal("checkpointer should be clean after commit")
	}
}

func TestCheckpointer_IgnoresLowerOffsets(t *testing.T) {
	cp := NewCheckpointer(testclock.NewClock(time.Unix(0, 0)), time.Hour)
	cp.Mark("t", 3, 10)
	cp.Mark("t", 3, 7)
	if off, _ := cp.Highest("t", 3); off != 10 {
		t.Fatalf("want 10, got %d", off)
	}
	cp.Forget("t", 3)
	if _, ok := cp.Highest("t", 3); ok {
		t.Fatal("partition should be forgotten")
	}
}

func TestCheckpointer_ZeroIntervalCommitsEveryMark(t *testing.T) {
	cp := NewCheckpointer(testclock.NewClock(time.Unix(0, 0)), 0)
	if !cp.Mark("t", 0, 1) {
		t.Fatal("zero interval should always be due")
	}
}

func TestCheckpointer_CommittedReportsMarkedOffsets(t *testing.T) {
	cp := NewCheckpointer(testclock.NewClock(time.Unix(0, 0)), time.Hour)
	got := map[int32]int64{}
	cp.OnCommit(func(topic string, partition int32, offset int64) {
		if topic != "t" {
			t.Fatalf("unexpected topic %q", topic)
		}
		got[partition] = offset
	})

	cp.Mark("t", 0, 4)
	cp.Mark("t", 1, 9)
	if len(got) != 0 {
		t.Fatalf("marking must not report a commit: %v", got)
	}
	cp.Committed()
	if got[0] != 4 || got[1] != 9 || len(got) != 2 {
		t.Fatalf("unexpected commits: %v", got)
	}
}
