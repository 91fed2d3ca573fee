package capture

import (
	"slices"
	"sync"
	"time"

	"convoflow/internal/cursor"
)

type State int

const (
	Disabled State = iota
	Polling
	Publishing
	Completed
	Suspended
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Publishing:
		return "publishing"
	case Completed:
		return "completed"
	case Suspended:
		return "suspended"
	default:
		return "disabled"
	}
}

// modeState is the engine's record for one mode. Fields are guarded by
// Engine.mu; saveMu orders cursor writes so a control operation and a cycle
// never persist out of order.
type modeState struct {
	cur   cursor.Cursor
	state State
	gen   uint64

	backlog      int
	fastForwards int64

	lastIDs  []string
	lastRead time.Time
	same     int
	tripped  bool

	enabledAt time.Time
	batches   int

	saveMu sync.Mutex
}

func newModeState(c cursor.Cursor) *modeState {
	ms := &modeState{cur: c}
	if c.Enabled {
		ms.state = Polling
	}
	return ms
}

func (m *modeState) enable(now time.Time) {
	m.gen++
	m.cur.Enabled = true
	m.state = Polling
	m.enabledAt = now
	m.batches = 0
	m.backlog = 0
	m.forgetRead()
}

func (m *modeState) disable(final State) {
	m.gen++
	m.cur.Enabled = false
	m.state = final
}

func (m *modeState) trip() {
	m.disable(Disabled)
	m.tripped = true
}

func (m *modeState) resetBreaker() {
	m.gen++
	m.tripped = false
	m.forgetRead()
}

func (m *modeState) forgetRead() {
	m.lastIDs = nil
	m.lastRead = time.Time{}
	m.same = 0
}

// observe records the row-id set a cycle read at cursor position at and
// returns how many consecutive cycles have now seen exactly this set without
// the cursor moving.
func (m *modeState) observe(ids []string, at time.Time) int {
	if m.same > 0 && at.Equal(m.lastRead) && slices.Equal(ids, m.lastIDs) {
		m.same++
	} else {
		m.same = 1
	}
	m.lastIDs = ids
	m.lastRead = at
	return m.same
}
