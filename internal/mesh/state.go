package mesh

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidState         = errors.New("mesh: invalid light state")
	ErrUnsupportedColorMode = errors.New("mesh: color mode not supported by device")
)

// MaxBrightness is the top of the brightness scale. Brightness is an
// integer percentage; the codec maps it onto the 7-bit wire field.
const MaxBrightness = 100

// ColorMode selects which channel group of a LightState is meaningful.
type ColorMode uint8

const (
	ColorModeNone  ColorMode = iota // brightness only
	ColorModeRGB                    // Red, Green, Blue
	ColorModeWhite                  // Warm, Cool
)

func (m ColorMode) String() string {
	switch m {
	case ColorModeNone:
		return "none"
	case ColorModeRGB:
		return "rgb"
	case ColorModeWhite:
		return "white"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Effect is an animation the fixture runs on its own.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectRainbow
	EffectWarmCoolFade
	EffectFire
	EffectOcean
	EffectStrobe
	EffectPolice
	effectCount
)

var effectNames = [...]string{"none", "rainbow", "warm_cool_fade", "fire", "ocean", "strobe", "police"}

// Vendor app preset speeds, indexed by Effect.
var defaultSpeeds = [...]uint8{0, 0x30, 0x40, 0x10, 0x40, 0x02, 0x08}

func (e Effect) String() string {
	if e < effectCount {
		return effectNames[e]
	}
	return fmt.Sprintf("effect(%d)", uint8(e))
}

// DefaultSpeed returns the vendor preset speed for e, or 0 for EffectNone.
func (e Effect) DefaultSpeed() uint8 {
	if e < effectCount {
		return defaultSpeeds[e]
	}
	return 0
}

// ParseEffect maps an effect name back to its value.
func ParseEffect(s string) (Effect, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range effectNames {
		if name == s {
			return Effect(i), nil
		}
	}
	return EffectNone, fmt.Errorf("%w: unknown effect %q", ErrInvalidState, s)
}

// LightState is the desired or observed output of one fixture. It is
// comparable with ==; channels outside the active Mode must be zero so that
// equal intents compare equal.
type LightState struct {
	On         bool
	Brightness uint8 // 0..MaxBrightness
	Mode       ColorMode

	Red, Green, Blue uint8
	Warm, Cool       uint8

	Effect      Effect
	EffectSpeed uint8 // 1 fast .. 255 slow, 0 without an effect
}

// Off is the state of a switched-off fixture.
func Off() LightState { return LightState{} }

// RGB returns a switched-on color state.
func RGB(brightness, r, g, b uint8) LightState {
	return LightState{On: true, Brightness: brightness, Mode: ColorModeRGB, Red: r, Green: g, Blue: b}
}

// White returns a switched-on white state.
func White(brightness, warm, cool uint8) LightState {
	return LightState{On: true, Brightness: brightness, Mode: ColorModeWhite, Warm: warm, Cool: cool}
}

// Dim returns a switched-on state that only carries brightness.
func Dim(brightness uint8) LightState {
	return LightState{On: true, Brightness: brightness}
}

// Validate reports whether s is well formed.
func (s LightState) Validate() error {
	if s.Brightness > MaxBrightness {
		return fmt.Errorf("%w: brightness %d above %d", ErrInvalidState, s.Brightness, MaxBrightness)
	}
	rgb := s.Red != 0 || s.Green != 0 || s.Blue != 0
	white := s.Warm != 0 || s.Cool != 0
	switch s.Mode {
	case ColorModeNone:
		if rgb || white {
			return fmt.Errorf("%w: channels set without a color mode", ErrInvalidState)
		}
	case ColorModeRGB:
		if white {
			return fmt.Errorf("%w: white channels set in rgb mode", ErrInvalidState)
		}
	case ColorModeWhite:
		if rgb {
			return fmt.Errorf("%w: rgb channels set in white mode", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown color mode %d", ErrInvalidState, s.Mode)
	}
	if s.Effect >= effectCount {
		return fmt.Errorf("%w: unknown effect %d", ErrInvalidState, s.Effect)
	}
	if s.Effect == EffectNone && s.EffectSpeed != 0 {
		return fmt.Errorf("%w: effect speed without an effect", ErrInvalidState)
	}
	if s.Effect != EffectNone && s.EffectSpeed == 0 {
		return fmt.Errorf("%w: effect %s needs a speed", ErrInvalidState, s.Effect)
	}
	return nil
}

func (s LightState) String() string {
	if !s.On {
		return "off"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "on %d%%", s.Brightness)
	switch s.Mode {
	case ColorModeRGB:
		fmt.Fprintf(&sb, " rgb(%d,%d,%d)", s.Red, s.Green, s.Blue)
	case ColorModeWhite:
		fmt.Fprintf(&sb, " white(%d,%d)", s.Warm, s.Cool)
	}
	if s.Effect != EffectNone {
		fmt.Fprintf(&sb, " %s@%d", s.Effect, s.EffectSpeed)
	}
	return sb.String()
}

// Capability is the set of channel groups a fixture drives.
type Capability uint8

const (
	CapabilityRGB   Capability = 1 << iota // color LEDs
	CapabilityWhite                        // warm and cool white LEDs
	CapabilityRGBW  = CapabilityRGB | CapabilityWhite
)

// ParseCapability accepts "rgb", "white" (or "cw") and "rgbw" (or "rgbcw").
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rgb":
		return CapabilityRGB, nil
	case "white", "cw", "cwww":
		return CapabilityWhite, nil
	case "rgbw", "rgbcw", "":
		return CapabilityRGBW, nil
	default:
		return 0, fmt.Errorf("mesh: unknown capability %q", s)
	}
}

func (c Capability) String() string {
	switch c {
	case CapabilityRGB:
		return "rgb"
	case CapabilityWhite:
		return "white"
	case CapabilityRGBW:
		return "rgbw"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Supports reports whether the fixture can render mode.
func (c Capability) Supports(m ColorMode) bool {
	switch m {
	case ColorModeNone:
		return true
	case ColorModeRGB:
		return c&CapabilityRGB != 0
	case ColorModeWhite:
		return c&CapabilityWhite != 0
	}
	return false
}

// Check validates s and rejects color modes or effects the fixture cannot render.
func (c Capability) Check(s LightState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !c.Supports(s.Mode) {
		return fmt.Errorf("%w: %s on %s device", ErrUnsupportedColorMode, s.Mode, c)
	}
	if s.Effect != EffectNone && c&CapabilityRGB == 0 {
		return fmt.Errorf("%w: effect %s on %s device", ErrUnsupportedColorMode, s.Effect, c)
	}
	return nil
}
