package pose

import (
	"math"
	"testing"
)

func newTestTracker() (*Tracker, *float64) {
	t := NewTracker(DefaultWheelRadius, DefaultMaxPathPoints, DefaultMaxDataAge)
	clock := 1000.0
	t.now = func() float64 { return clock }
	return t, &clock
}

func imuYaw(yaw float64) map[string]any {
	return map[string]any{"yaw": yaw}
}

func TestYaw_Extraction(t *testing.T) {
	if v, ok := Yaw(map[string]any{"yaw": 1.5}); !ok || v != 1.5 {
		t.Errorf("yaw field not extracted: %v %v", v, ok)
	}
	if v, ok := Yaw(map[string]any{"euler": []any{0.1, 0.2, 0.3}}); !ok || v != 0.3 {
		t.Errorf("euler[2] not extracted: %v %v", v, ok)
	}
	if _, ok := Yaw(map[string]any{"euler": []any{0.1, 0.2}}); ok {
		t.Error("short euler should not yield yaw")
	}
	if _, ok := Yaw(map[string]any{}); ok {
		t.Error("empty payload should not yield yaw")
	}
}

func TestFirstEncoderFrameOnlySeeds(t *testing.T) {
	tr, _ := newTestTracker()

	tr.UpdateIMU("r", imuYaw(0.0))
	res := tr.UpdateEncoder("r", []float64{60, 60, 60}, 100.0)

	if res.Position.X != 0 || res.Position.Y != 0 {
		t.Errorf("first encoder frame moved the pose: %+v", res.Position)
	}
	if len(res.Path) != 1 {
		t.Errorf("expected seeded path of length 1, got %d", len(res.Path))
	}
}

func TestIntegration_StraightLine(t *testing.T) {
	tr, _ := newTestTracker()

	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 100.0)
	res := tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0)

	wantX := DefaultWheelRadius * 2 * math.Pi
	if math.Abs(res.Position.X-wantX) > 1e-6 {
		t.Errorf("expected x≈%g, got %g", wantX, res.Position.X)
	}
	if math.Abs(res.Position.Y) > 1e-6 {
		t.Errorf("expected y≈0, got %g", res.Position.Y)
	}
	if math.Abs(res.Position.Theta) > 1e-6 {
		t.Errorf("expected theta≈0, got %g", res.Position.Theta)
	}
	if len(res.Path) != 2 {
		t.Errorf("expected 2 path points, got %d", len(res.Path))
	}
}

func TestIntegration_HeadingRotatesVelocity(t *testing.T) {
	tr, _ := newTestTracker()

	tr.UpdateIMU("r", imuYaw(math.Pi/2))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 100.0)
	res := tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0)

	want := DefaultWheelRadius * 2 * math.Pi
	if math.Abs(res.Position.X) > 1e-6 {
		t.Errorf("expected x≈0 heading north, got %g", res.Position.X)
	}
	if math.Abs(res.Position.Y-want) > 1e-6 {
		t.Errorf("expected y≈%g heading north, got %g", want, res.Position.Y)
	}
}

func TestNonAdvancingTimestampUpdatesThetaOnly(t *testing.T) {
	tr, _ := newTestTracker()

	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 100.0)
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0)

	tr.UpdateIMU("r", imuYaw(1.0))
	res := tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0) // ts not advanced

	if res.Position.Theta != 1.0 {
		t.Errorf("expected theta refresh to 1.0, got %g", res.Position.Theta)
	}
	wantX := DefaultWheelRadius * 2 * math.Pi
	if math.Abs(res.Position.X-wantX) > 1e-6 {
		t.Errorf("position advanced on dt<=0: %g", res.Position.X)
	}

	// A later frame integrates from the unchanged last timestamp.
	res = tr.UpdateEncoder("r", []float64{0, 0, 0}, 102.0)
	if math.Abs(res.Position.X-wantX) > 1e-6 {
		t.Errorf("zero RPM moved the pose: %g", res.Position.X)
	}
}

func TestStaleDataSkipsIntegration(t *testing.T) {
	tr, clock := newTestTracker()

	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 100.0)

	*clock += 10 // beyond the 5 s freshness window
	res := tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0)
	if res.Position.X != 0 {
		t.Errorf("stale IMU should block integration, got x=%g", res.Position.X)
	}

	// Fresh IMU again: the pending encoder timestamp integrates from the
	// seed stamp, which was not advanced while stale.
	tr.UpdateIMU("r", imuYaw(0.0))
	res = tr.UpdateEncoder("r", []float64{60, 60, 60}, 101.0)
	wantX := DefaultWheelRadius * 2 * math.Pi
	if math.Abs(res.Position.X-wantX) > 1e-6 {
		t.Errorf("expected integration after refresh, got x=%g", res.Position.X)
	}
}

func TestIMUOnlyReturnsCurrentPose(t *testing.T) {
	tr, _ := newTestTracker()

	res := tr.UpdateIMU("r", imuYaw(0.5))
	if res == nil {
		t.Fatal("expected a result for IMU-only state")
	}
	if res.Position.Theta != 0.5 {
		t.Errorf("theta should track IMU yaw immediately: %g", res.Position.Theta)
	}
	if len(res.Path) != 0 {
		t.Errorf("no path before encoder seeding, got %d points", len(res.Path))
	}
}

func TestPathCapEviction(t *testing.T) {
	tr, _ := newTestTracker()

	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 0.0)

	var res *Result
	for i := 1; i <= DefaultMaxPathPoints+1; i++ {
		res = tr.UpdateEncoder("r", []float64{60, 60, 60}, float64(i))
	}

	if len(res.Path) != DefaultMaxPathPoints {
		t.Fatalf("expected path capped at %d, got %d", DefaultMaxPathPoints, len(res.Path))
	}
	// The seed point (0,0,0) must have been evicted from the head.
	if res.Path[0].X == 0 && res.Path[0].Y == 0 {
		t.Errorf("oldest sample not evicted: %+v", res.Path[0])
	}
	for _, p := range res.Path {
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Theta) {
			t.Fatalf("non-finite path sample: %+v", p)
		}
	}
}

func TestSnapshot(t *testing.T) {
	tr, _ := newTestTracker()

	if tr.Snapshot("unknown", 0) != nil {
		t.Error("expected nil snapshot for unknown key")
	}

	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 0.0)
	for i := 1; i <= 10; i++ {
		tr.UpdateEncoder("r", []float64{60, 60, 60}, float64(i))
	}

	res := tr.Snapshot("r", 3)
	if len(res.Path) != 3 {
		t.Errorf("expected limit-trimmed path of 3, got %d", len(res.Path))
	}
	full := tr.Snapshot("r", 0)
	if len(full.Path) != 11 {
		t.Errorf("expected full path of 11, got %d", len(full.Path))
	}
	// Trimming keeps the tail.
	if res.Path[2] != full.Path[10] {
		t.Errorf("snapshot did not keep trailing points")
	}
}

func TestClose(t *testing.T) {
	tr, _ := newTestTracker()
	tr.UpdateIMU("r", imuYaw(0.0))
	tr.Close("r")
	if tr.Snapshot("r", 0) != nil {
		t.Error("expected state discarded after Close")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr, _ := newTestTracker()
	tr.UpdateIMU("r", imuYaw(0.0))
	tr.UpdateEncoder("r", []float64{60, 60, 60}, 0.0)
	res := tr.Snapshot("r", 0)
	res.Path[0].X = 99

	again := tr.Snapshot("r", 0)
	if again.Path[0].X == 99 {
		t.Error("snapshot aliases internal path storage")
	}
}
