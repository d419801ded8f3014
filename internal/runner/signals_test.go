package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"algo-runner/pkg/types"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()
	payload := signalEnvelope{
		GeneratedAt: time.Now().UTC(),
		Signals: types.Signals{
			"BTCUSDT": {{PLong: 0.7, PShort: 0.1, ATR: 100, Close: 1000}},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	sigs, err := decodeEnvelope(data, 5*time.Minute)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	row, ok := sigs["BTCUSDT"].Last()
	if !ok || row.PLong != 0.7 {
		t.Errorf("decoded row = %+v", row)
	}
}

func TestDecodeEnvelopeRejectsStale(t *testing.T) {
	t.Parallel()
	payload := signalEnvelope{
		GeneratedAt: time.Now().Add(-time.Hour),
		Signals:     types.Signals{"BTCUSDT": {{PLong: 0.7}}},
	}
	data, _ := json.Marshal(payload)
	if _, err := decodeEnvelope(data, 5*time.Minute); err == nil {
		t.Error("hour-old envelope accepted with a 5m TTL")
	}
	// Zero TTL disables the check.
	if _, err := decodeEnvelope(data, 0); err != nil {
		t.Errorf("TTL-disabled decode: %v", err)
	}
}

func TestDecodeEnvelopeBareMapFallback(t *testing.T) {
	t.Parallel()
	data := []byte(`{"BTCUSDT":[{"p_long":0.8,"p_short":0.1,"atr":50,"close":900}]}`)
	sigs, err := decodeEnvelope(data, 5*time.Minute)
	if err != nil {
		t.Fatalf("bare map rejected: %v", err)
	}
	row, ok := sigs["BTCUSDT"].Last()
	if !ok || row.PLong != 0.8 || row.ATR != 50 {
		t.Errorf("decoded row = %+v", row)
	}
}

func TestDecodeEnvelopeCorrupt(t *testing.T) {
	t.Parallel()
	if _, err := decodeEnvelope([]byte("{torn"), 0); err == nil {
		t.Error("corrupt payload decoded without error")
	}
}

func TestFileSourceLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "signals.json")
	data, _ := json.Marshal(signalEnvelope{
		GeneratedAt: time.Now().UTC(),
		Signals:     types.Signals{"SBER": {{PShort: 0.9}}},
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path, 5*time.Minute)
	sigs, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if row, ok := sigs["SBER"].Last(); !ok || row.PShort != 0.9 {
		t.Errorf("row = %+v", row)
	}

	// Missing file is an error, not empty signals.
	missing := NewFileSource(filepath.Join(t.TempDir(), "absent.json"), 0)
	if _, err := missing.Load(context.Background()); err == nil {
		t.Error("missing file loaded without error")
	}
}
