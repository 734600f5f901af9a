package effects

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshlight/internal/mesh"
)

type recordingSetter struct {
	mu    sync.Mutex
	calls []mesh.Address
	last  map[mesh.Address]mesh.LightState
	err   error
}

func (r *recordingSetter) SetLightState(addr mesh.Address, s mesh.LightState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.last == nil {
		r.last = make(map[mesh.Address]mesh.LightState)
	}
	r.calls = append(r.calls, addr)
	r.last[addr] = s
	return nil
}

func (r *recordingSetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func manualTicker(ch chan time.Time) tickerFunc {
	return func(time.Duration) (<-chan time.Time, func()) { return ch, func() {} }
}

func TestHueToRGB(t *testing.T) {
	tests := []struct {
		hue     float64
		r, g, b uint8
	}{
		{0, 255, 0, 0},
		{1.0 / 3, 0, 255, 0},
		{2.0 / 3, 0, 0, 255},
		{0.5, 0, 255, 255},
		{0.05, 255, 76, 0},
		{1.5, 0, 255, 255}, // wraps
	}
	for _, tt := range tests {
		r, g, b := hueToRGB(tt.hue)
		if r != tt.r || g != tt.g || b != tt.b {
			t.Errorf("hueToRGB(%v) = (%d,%d,%d), want (%d,%d,%d)", tt.hue, r, g, b, tt.r, tt.g, tt.b)
		}
	}
}

func TestRainbowCyclesEveryTwentySteps(t *testing.T) {
	r := &Rainbow{Brightness: 80}
	first := r.Next()
	if first != mesh.RGB(80, 255, 0, 0) {
		t.Errorf("first frame = %v, want red at 80%%", first)
	}
	for i := 1; i < 20; i++ {
		if s := r.Next(); s == first {
			t.Errorf("step %d repeats the first frame", i)
		}
	}
	if s := r.Next(); s != first {
		t.Errorf("step 20 = %v, want %v", s, first)
	}
	if r.Interval() != 300*time.Millisecond {
		t.Errorf("Interval() = %v, want 300ms", r.Interval())
	}
}

func TestComplementaryAlternates(t *testing.T) {
	c := &Complementary{}
	var frames []mesh.LightState
	for i := 0; i < 7; i++ {
		frames = append(frames, c.Next())
	}

	if frames[0] != mesh.RGB(100, 255, 0, 0) {
		t.Errorf("frame 0 = %v, want red", frames[0])
	}
	// red's complement closes the cycle
	if frames[5] != mesh.RGB(100, 0, 255, 255) {
		t.Errorf("frame 5 = %v, want cyan", frames[5])
	}
	if frames[6] != frames[0] {
		t.Errorf("frame 6 = %v, want cycle restart %v", frames[6], frames[0])
	}
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			t.Errorf("frame %d invalid: %v", i, err)
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"rainbow", "complementary"} {
		a, err := New(name, 50)
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if a.Name() != name {
			t.Errorf("Name() = %q, want %q", a.Name(), name)
		}
	}
	if _, err := New("disco", 50); err == nil {
		t.Error("New(disco) should fail")
	}
}

func TestRunSendsEveryTick(t *testing.T) {
	setter := &recordingSetter{}
	ticks := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, setter, []mesh.Address{1, 2}, &Rainbow{}, manualTicker(ticks))
	}()

	ticks <- time.Now()
	ticks <- time.Now()
	// After the second tick is taken, the third frame is being or has been sent.
	deadline := time.Now().Add(time.Second)
	for setter.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if got := setter.count(); got != 6 {
		t.Errorf("SetLightState calls = %d, want 6", got)
	}
}

func TestRunStopsOnRejectedIntent(t *testing.T) {
	rejected := errors.New("unknown device")
	setter := &recordingSetter{err: rejected}
	err := run(context.Background(), setter, []mesh.Address{9}, &Complementary{}, manualTicker(make(chan time.Time)))
	if !errors.Is(err, rejected) {
		t.Errorf("run() error = %v, want %v", err, rejected)
	}
}
