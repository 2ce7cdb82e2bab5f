package attention

import (
	"testing"
	"time"

	"github.com/nugget/sensorhub/internal/bus"
)

func TestNoneWithNoSignals(t *testing.T) {
	tr := New(bus.New())
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelNone {
		t.Fatalf("GetSensorAttentionLevel() = %v, want none", got)
	}
}

func TestViewYieldsMedium(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1")
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelMedium {
		t.Fatalf("got %v, want medium", got)
	}
}

func TestFocusAndViewYieldsHigh(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1")
	tr.RegisterFocus("S1", "heartrate", "obs1")
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelHigh {
		t.Fatalf("got %v, want high", got)
	}
}

func TestPinForcesHighRegardlessOfVisibility(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("attention:S1", 8, bus.DropOldest)
	defer b.Unsubscribe(sub)

	tr := New(b)
	tr.PinSensor("S1", "obs1")

	if got := tr.GetSensorAttentionLevel("S1"); got != LevelHigh {
		t.Fatalf("got %v, want high", got)
	}

	select {
	case e := <-sub.Events():
		ch := e.Payload.(Changed)
		if ch.Level != LevelHigh {
			t.Fatalf("published level = %v, want high", ch.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected AttentionChanged to be published within one tick")
	}
}

func TestUnpinReturnsToNone(t *testing.T) {
	tr := New(bus.New())
	tr.PinSensor("S1", "obs1")
	tr.UnpinSensor("S1", "obs1")
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelNone {
		t.Fatalf("got %v, want none after unpin", got)
	}
}

func TestLowWhenOtherSensorIsViewedButThisOneIsNot(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S2", "heartrate", "obs1")
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelLow {
		t.Fatalf("got %v, want low (another sensor has an active viewer)", got)
	}
}

func TestBatteryLowDowngradesOneStep(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1")
	tr.RegisterFocus("S1", "heartrate", "obs1") // would be high
	tr.ReportBattery("obs1", BatteryLow)
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelMedium {
		t.Fatalf("got %v, want medium (one-step downgrade from high)", got)
	}
}

func TestBatteryCriticalDowngradesTwoSteps(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1")
	tr.RegisterFocus("S1", "heartrate", "obs1") // would be high
	tr.ReportBattery("obs1", BatteryCritical)
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelLow {
		t.Fatalf("got %v, want low (two-step downgrade from high)", got)
	}
}

func TestDowngradeClampsAtNone(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1") // medium
	tr.ReportBattery("obs1", BatteryCritical)
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelNone {
		t.Fatalf("got %v, want none (clamped)", got)
	}
}

func TestRemovingAllSignalsReturnsToNone(t *testing.T) {
	tr := New(bus.New())
	tr.RegisterView("S1", "heartrate", "obs1")
	tr.UnregisterView("S1", "heartrate", "obs1")
	if got := tr.GetSensorAttentionLevel("S1"); got != LevelNone {
		t.Fatalf("got %v, want none", got)
	}
}
