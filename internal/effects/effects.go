// Package effects drives app-side animations by submitting a new light
// state at a fixed interval. Every step goes through the normal intent
// path, so the scheduler's coalescing and rate limits still apply.
//
// Autonomous effects that the fixture runs by itself are plain
// mesh.LightState values with Effect set and need nothing from here.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// Setter accepts light state intents.
type Setter interface {
	SetLightState(addr mesh.Address, s mesh.LightState) error
}

// Animation produces the next frame of an app-driven effect.
type Animation interface {
	Name() string
	Interval() time.Duration
	Next() mesh.LightState
}

// Rainbow walks the hue circle in 5% steps every 300ms.
type Rainbow struct {
	Brightness uint8
	step       int
}

func (r *Rainbow) Name() string            { return "rainbow" }
func (r *Rainbow) Interval() time.Duration { return 300 * time.Millisecond }

func (r *Rainbow) Next() mesh.LightState {
	hue := float64(r.step%20) / 20
	r.step++
	red, green, blue := hueToRGB(hue)
	return mesh.RGB(brightnessOr(r.Brightness), red, green, blue)
}

// complementaryBases are red, green and blue; each is followed by its
// opposite on the color wheel.
var complementaryBases = [...]float64{0.0, 0.33, 0.66}

// Complementary alternates a base hue with its complement every 500ms.
// The base advances each time the complement is shown.
type Complementary struct {
	Brightness uint8
	idx        int
	complement bool
}

func (c *Complementary) Name() string            { return "complementary" }
func (c *Complementary) Interval() time.Duration { return 500 * time.Millisecond }

func (c *Complementary) Next() mesh.LightState {
	hue := complementaryBases[c.idx]
	if c.complement {
		hue += 0.5
	}
	c.complement = !c.complement
	if c.complement {
		c.idx = (c.idx + 1) % len(complementaryBases)
	}
	red, green, blue := hueToRGB(hue)
	return mesh.RGB(brightnessOr(c.Brightness), red, green, blue)
}

// New returns the animation called name.
func New(name string, brightness uint8) (Animation, error) {
	switch name {
	case "rainbow":
		return &Rainbow{Brightness: brightness}, nil
	case "complementary":
		return &Complementary{Brightness: brightness}, nil
	default:
		return nil, fmt.Errorf("effects: unknown animation %q", name)
	}
}

// Run submits anim's frames to every address until ctx is done. The first
// frame goes out immediately. A rejected intent stops the animation.
func Run(ctx context.Context, s Setter, addrs []mesh.Address, anim Animation) error {
	return run(ctx, s, addrs, anim, systemTicker)
}

// tickerFunc starts a periodic tick and returns its channel and stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func run(ctx context.Context, s Setter, addrs []mesh.Address, anim Animation, newTicker tickerFunc) error {
	slog.Info("[EFFECTS] starting", "effect", anim.Name(), "addresses", len(addrs))
	tick, stop := newTicker(anim.Interval())
	defer stop()

	for {
		state := anim.Next()
		for _, addr := range addrs {
			if err := s.SetLightState(addr, state); err != nil {
				return fmt.Errorf("effects: %s on %s: %w", anim.Name(), addr, err)
			}
		}
		select {
		case <-ctx.Done():
			slog.Info("[EFFECTS] stopped", "effect", anim.Name())
			return nil
		case <-tick:
		}
	}
}

func brightnessOr(b uint8) uint8 {
	if b == 0 {
		return mesh.MaxBrightness
	}
	return b
}

// hueToRGB converts a hue in turns at full saturation and value. Hues
// outside [0,1) wrap.
func hueToRGB(h float64) (r, g, b uint8) {
	h = h - math.Floor(h)
	i := int(h * 6)
	f := h*6 - float64(i)
	q := 1 - f
	var rf, gf, bf float64
	switch i % 6 {
	case 0:
		rf, gf, bf = 1, f, 0
	case 1:
		rf, gf, bf = q, 1, 0
	case 2:
		rf, gf, bf = 0, 1, f
	case 3:
		rf, gf, bf = 0, q, 1
	case 4:
		rf, gf, bf = f, 0, 1
	default:
		rf, gf, bf = 1, 0, q
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}
