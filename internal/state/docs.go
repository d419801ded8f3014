package state

import (
	"sync"
	"time"

	"algo-runner/pkg/types"
)

// RunnerState is the runner's durable cross-restart memory: which signal
// fingerprints were already acted on, and the equity anchors the drawdown
// guard measures against. Anchors are keyed by broker name; "__global__"
// holds the portfolio-wide fallback.
type RunnerState struct {
	ProcessedSignals map[string]string      `json:"processed_signals"` // symbol -> fingerprint
	DailyAnchors     map[string]DailyAnchor `json:"daily_anchors,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// GlobalAnchorKey is the portfolio-wide drawdown anchor slot.
const GlobalAnchorKey = "__global__"

// DailyAnchor is one UTC day's starting equity for a broker.
type DailyAnchor struct {
	Date   string  `json:"date"` // YYYY-MM-DD UTC
	Equity float64 `json:"equity"`
}

// Heartbeat is written every loop iteration; the watchdog reads it. The
// final beat of a run carries status "stopped" with the shutdown cause in
// Note.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Cycle     int64     `json:"cycle"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Universe  []string  `json:"universe,omitempty"`
}

// KillSwitch is the durable stop flag. Its presence halts trading before
// any cleanup runs; cleanup happens only after the flag is already up.
type KillSwitch struct {
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// RunnerStore bundles the runner's JSON documents behind one mutex so
// read-modify-write cycles on a document are not interleaved.
type RunnerStore struct {
	mu              sync.Mutex
	runnerStatePath string
	protectionsPath string
	heartbeatPath   string
	killSwitchPath  string
}

// NewRunnerStore wires the store to its four document paths.
func NewRunnerStore(runnerState, protections, heartbeat, killSwitch string) *RunnerStore {
	return &RunnerStore{
		runnerStatePath: runnerState,
		protectionsPath: protections,
		heartbeatPath:   heartbeat,
		killSwitchPath:  killSwitch,
	}
}

// LoadRunnerState returns the persisted runner state, or an empty one if
// the file does not exist yet.
func (s *RunnerStore) LoadRunnerState() (RunnerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := RunnerState{
		ProcessedSignals: map[string]string{},
		DailyAnchors:     map[string]DailyAnchor{},
	}
	if _, err := ReadJSON(s.runnerStatePath, &st); err != nil {
		return st, err
	}
	if st.ProcessedSignals == nil {
		st.ProcessedSignals = map[string]string{}
	}
	if st.DailyAnchors == nil {
		st.DailyAnchors = map[string]DailyAnchor{}
	}
	return st, nil
}

// SaveRunnerState persists the runner state with a fresh timestamp.
func (s *RunnerStore) SaveRunnerState(st RunnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	return WriteJSON(s.runnerStatePath, st)
}

// LoadProtections returns the symbol → protection map; empty when absent.
func (s *RunnerStore) LoadProtections() (map[string]*types.Protection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prots := map[string]*types.Protection{}
	if _, err := ReadJSON(s.protectionsPath, &prots); err != nil {
		return nil, err
	}
	return prots, nil
}

// SaveProtections persists the full protection map atomically.
func (s *RunnerStore) SaveProtections(prots map[string]*types.Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSON(s.protectionsPath, prots)
}

// Beat writes the heartbeat document.
func (s *RunnerStore) Beat(hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb.Timestamp = time.Now().UTC()
	return WriteJSON(s.heartbeatPath, hb)
}

// ReadHeartbeat loads the heartbeat; ok is false when none was written.
func (s *RunnerStore) ReadHeartbeat() (Heartbeat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hb Heartbeat
	ok, err := ReadJSON(s.heartbeatPath, &hb)
	return hb, ok, err
}

// KillSwitchActive reports whether the stop flag is present. The check is
// presence-based so a torn or hand-written file still stops trading.
func (s *RunnerStore) KillSwitchActive() bool {
	return Exists(s.killSwitchPath)
}

// ReadKillSwitch returns the flag contents when present.
func (s *RunnerStore) ReadKillSwitch() (KillSwitch, bool) {
	var ks KillSwitch
	ok, err := ReadJSON(s.killSwitchPath, &ks)
	if err != nil {
		// Presence matters more than contents here.
		return KillSwitch{Reason: "unreadable kill switch file"}, Exists(s.killSwitchPath)
	}
	return ks, ok
}

// RaiseKillSwitch writes the stop flag. It is the first action of any
// emergency stop, before cancellation or closing begins.
func (s *RunnerStore) RaiseKillSwitch(reason, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSON(s.killSwitchPath, KillSwitch{
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
}

// ClearKillSwitch removes the stop flag (operator action).
func (s *RunnerStore) ClearKillSwitch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Remove(s.killSwitchPath)
}
