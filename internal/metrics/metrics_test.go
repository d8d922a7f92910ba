package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
}

func TestCollector_Units(t *testing.T) {
	c := New()

	c.UnitReceived(1024)
	c.UnitReceived(100)
	c.UnitSent(512)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
	snap := c.Snapshot()
	if snap.UnitsIn != 2 || snap.UnitsOut != 1 {
		t.Errorf("units in/out = %d/%d, want 2/1", snap.UnitsIn, snap.UnitsOut)
	}
}

func TestCollector_Links(t *testing.T) {
	c := New()

	c.LinkUp()
	c.LinkUp()
	c.LinkDown()
	c.ConnectFailed()
	c.Dropped()
	c.Dropped()
	c.SendFailed()

	if c.ConnectedLinks() != 1 {
		t.Errorf("connected = %d, want 1", c.ConnectedLinks())
	}
	if c.Drops() != 2 {
		t.Errorf("drops = %d, want 2", c.Drops())
	}
	if c.SendErrors() != 1 {
		t.Errorf("send errors = %d, want 1", c.SendErrors())
	}
	snap := c.Snapshot()
	if snap.Connects != 2 || snap.Disconnects != 1 || snap.ConnectErrors != 1 {
		t.Errorf("connects/disconnects/errors = %d/%d/%d, want 2/1/1",
			snap.Connects, snap.Disconnects, snap.ConnectErrors)
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.TunnelReconnects())
	}
}

func TestCollector_Reload(t *testing.T) {
	c := New()
	c.Reloaded()

	snap := c.Snapshot()
	if snap.Reloads != 1 {
		t.Errorf("reloads = %d, want 1", snap.Reloads)
	}
	if snap.LastReload == "" {
		t.Error("expected non-empty reload timestamp")
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")
	c.AcceptFailed()
	c.ReadFailed()

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
	snap := c.Snapshot()
	if snap.LastErrorMessage != "second error" {
		t.Errorf("last error = %q", snap.LastErrorMessage)
	}
	if snap.AcceptErrors != 1 || snap.ReadErrors != 1 {
		t.Errorf("accept/read errors = %d/%d, want 1/1", snap.AcceptErrors, snap.ReadErrors)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.UnitSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened()
	c.SessionClosed()
	c.UnitReceived(100)
	c.UnitSent(100)
	c.LinkUp()
	c.LinkDown()
	c.ConnectFailed()
	c.Dropped()
	c.SendFailed()
	c.AcceptFailed()
	c.ReadFailed()
	c.TunnelReconnect()
	c.Reloaded()
	c.RecordError("test")

	if c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.Drops() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	if c.JSON() == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
