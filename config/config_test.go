package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	g, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := g.Get()
	if d.BusyRetryMax != 10 {
		t.Errorf("BusyRetryMax = %d, want 10", d.BusyRetryMax)
	}
	if d.MaxDispatchDepth != 100 {
		t.Errorf("MaxDispatchDepth = %d, want 100", d.MaxDispatchDepth)
	}
	base, jitter := d.BusyBackoff()
	if base != 20*time.Millisecond || jitter != 15*time.Millisecond {
		t.Errorf("BusyBackoff() = %v/%v, want 20ms/15ms", base, jitter)
	}
}

func TestLoadPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	g, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := g.Get()
	d.BusyRetryMax = 3
	d.Quiet = true
	if err := g.Set(d); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := filepath.Abs(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("abs path: %v", err)
	}

	g2, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	d2 := g2.Get()
	if d2.BusyRetryMax != 3 || !d2.Quiet {
		t.Errorf("reloaded config = %+v, want BusyRetryMax=3 Quiet=true", d2)
	}
}

func TestDrainPollFallsBackOnGarbage(t *testing.T) {
	d := Data{DrainPollInterval: "not-a-duration"}
	if got := d.DrainPoll(); got != 50*time.Millisecond {
		t.Errorf("DrainPoll() = %v, want 50ms fallback", got)
	}
}
