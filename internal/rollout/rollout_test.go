package rollout

import (
	"testing"
	"time"
)

func TestStageTargetCountRoundsUp(t *testing.T) {
	cases := []struct {
		total   int64
		percent float64
		want    int64
	}{
		{20, 5, 1},   // 5% of 20 rounds up to 1
		{20, 25, 5},
		{20, 100, 20},
		{3, 50, 2},   // 1.5 rounds up to 2
		{0, 50, 0},
		{1, 1, 1},
	}
	for _, c := range cases {
		if got := stageTargetCount(c.total, c.percent); got != c.want {
			t.Errorf("stageTargetCount(%d, %v) = %d, want %d", c.total, c.percent, got, c.want)
		}
	}
}

func TestMaintenanceWindowOpen(t *testing.T) {
	at := func(hour int) time.Time { return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC) }

	var nilWindow *maintenanceWindow
	if !nilWindow.open(at(13)) {
		t.Error("nil window should always be open")
	}

	same := &maintenanceWindow{StartHour: 1, EndHour: 5}
	if !same.open(at(1)) || !same.open(at(4)) {
		t.Error("window should be open at its boundaries")
	}
	if same.open(at(5)) || same.open(at(13)) {
		t.Error("window should be closed outside [start, end)")
	}

	wrapping := &maintenanceWindow{StartHour: 22, EndHour: 4}
	if !wrapping.open(at(23)) || !wrapping.open(at(0)) || !wrapping.open(at(3)) {
		t.Error("wrapping window should be open across midnight")
	}
	if wrapping.open(at(12)) {
		t.Error("wrapping window should be closed mid-day")
	}
}
