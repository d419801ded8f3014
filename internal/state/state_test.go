package state

import (
	"os"
	"path/filepath"
	"testing"

	"algo-runner/pkg/types"
)

func TestWriteReadJSONRoundtrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	type doc struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	if err := WriteJSON(path, doc{Name: "x", Value: 1.5}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got doc
	ok, err := ReadJSON(path, &got)
	if err != nil || !ok {
		t.Fatalf("ReadJSON: ok=%v err=%v", ok, err)
	}
	if got.Name != "x" || got.Value != 1.5 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	// No temp file should survive a successful write.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestReadJSONMissingLeavesDefault(t *testing.T) {
	t.Parallel()
	got := map[string]int{"keep": 1}
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ok {
		t.Error("missing file reported as present")
	}
	if got["keep"] != 1 {
		t.Error("default value was clobbered")
	}
}

func TestReadJSONCorruptReportsError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{torn"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if _, err := ReadJSON(path, &out); err == nil {
		t.Error("corrupt file did not report an error")
	}
}

func TestKillSwitchLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := NewRunnerStore(
		filepath.Join(dir, "runner_state.json"),
		filepath.Join(dir, "protections.json"),
		filepath.Join(dir, "heartbeat.json"),
		filepath.Join(dir, "kill_switch.json"),
	)

	if s.KillSwitchActive() {
		t.Fatal("kill switch active before being raised")
	}
	if err := s.RaiseKillSwitch("testing", "test"); err != nil {
		t.Fatalf("RaiseKillSwitch: %v", err)
	}
	if !s.KillSwitchActive() {
		t.Fatal("kill switch not active after raise")
	}
	ks, ok := s.ReadKillSwitch()
	if !ok || ks.Reason != "testing" || ks.Source != "test" {
		t.Errorf("ReadKillSwitch = %+v, %v", ks, ok)
	}
	if err := s.ClearKillSwitch(); err != nil {
		t.Fatalf("ClearKillSwitch: %v", err)
	}
	if s.KillSwitchActive() {
		t.Error("kill switch still active after clear")
	}
	// Clearing twice is fine.
	if err := s.ClearKillSwitch(); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestProtectionsRoundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := NewRunnerStore(
		filepath.Join(dir, "runner_state.json"),
		filepath.Join(dir, "protections.json"),
		filepath.Join(dir, "heartbeat.json"),
		filepath.Join(dir, "kill_switch.json"),
	)

	prots, err := s.LoadProtections()
	if err != nil {
		t.Fatalf("LoadProtections: %v", err)
	}
	if len(prots) != 0 {
		t.Fatalf("fresh store has %d protections", len(prots))
	}

	prots["BTCUSDT"] = &types.Protection{
		Mode: types.ProtSynthetic, Broker: "bitget", Side: types.Buy,
		Qty: 0.5, SL: 95, TP: 117.5, EntryPrice: 100, MaxPrice: 103,
	}
	if err := s.SaveProtections(prots); err != nil {
		t.Fatalf("SaveProtections: %v", err)
	}

	loaded, err := s.LoadProtections()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p := loaded["BTCUSDT"]
	if p == nil || p.SL != 95 || p.Mode != types.ProtSynthetic || p.MaxPrice != 103 {
		t.Errorf("reloaded protection mismatch: %+v", p)
	}
}

func TestRunnerStateAnchors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := NewRunnerStore(
		filepath.Join(dir, "runner_state.json"),
		filepath.Join(dir, "protections.json"),
		filepath.Join(dir, "heartbeat.json"),
		filepath.Join(dir, "kill_switch.json"),
	)
	st, err := s.LoadRunnerState()
	if err != nil {
		t.Fatalf("LoadRunnerState: %v", err)
	}
	st.ProcessedSignals["BTCUSDT"] = "fp-1"
	st.DailyAnchors["bitget"] = DailyAnchor{Date: "2026-08-24", Equity: 10000}
	if err := s.SaveRunnerState(st); err != nil {
		t.Fatalf("SaveRunnerState: %v", err)
	}
	got, err := s.LoadRunnerState()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ProcessedSignals["BTCUSDT"] != "fp-1" {
		t.Error("processed signal lost")
	}
	if a := got.DailyAnchors["bitget"]; a.Equity != 10000 || a.Date != "2026-08-24" {
		t.Errorf("anchor mismatch: %+v", a)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
}
