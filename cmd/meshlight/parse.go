package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/meshlight/internal/mesh"
)

const stateUsage = `off | [on] [bri 0-100] [rgb RRGGBB | white WARM,COOL] [effect NAME [speed 1-255]]`

// parseAddress reads a mesh address in decimal or 0x hex.
func parseAddress(s string) (mesh.Address, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return mesh.Address(v), nil
}

// parseState reads a light state from words such as
// "rgb ff8800 bri 60" or "white 200,40" or "off".
func parseState(args []string) (mesh.LightState, error) {
	if len(args) == 0 {
		return mesh.LightState{}, errors.New("no state given, want " + stateUsage)
	}
	if strings.EqualFold(args[0], "off") {
		if len(args) > 1 {
			return mesh.LightState{}, errors.New("off takes no further arguments")
		}
		return mesh.Off(), nil
	}

	s := mesh.Dim(mesh.MaxBrightness)
	speedSet := false
	for i := 0; i < len(args); i++ {
		word := strings.ToLower(args[i])
		if word == "on" {
			continue
		}
		if i+1 >= len(args) {
			return mesh.LightState{}, fmt.Errorf("%s needs a value", word)
		}
		i++
		val := args[i]

		switch word {
		case "bri", "brightness":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil || n > mesh.MaxBrightness {
				return mesh.LightState{}, fmt.Errorf("invalid brightness %q", val)
			}
			s.Brightness = uint8(n)
		case "rgb":
			b, err := hex.DecodeString(strings.TrimPrefix(val, "#"))
			if err != nil || len(b) != 3 {
				return mesh.LightState{}, fmt.Errorf("invalid color %q, want RRGGBB", val)
			}
			s.Mode = mesh.ColorModeRGB
			s.Red, s.Green, s.Blue = b[0], b[1], b[2]
			s.Warm, s.Cool = 0, 0
		case "white":
			warm, cool, ok := strings.Cut(val, ",")
			w, werr := strconv.ParseUint(warm, 10, 8)
			c, cerr := strconv.ParseUint(cool, 10, 8)
			if !ok || werr != nil || cerr != nil {
				return mesh.LightState{}, fmt.Errorf("invalid white %q, want WARM,COOL", val)
			}
			s.Mode = mesh.ColorModeWhite
			s.Warm, s.Cool = uint8(w), uint8(c)
			s.Red, s.Green, s.Blue = 0, 0, 0
		case "effect":
			e, err := mesh.ParseEffect(val)
			if err != nil {
				return mesh.LightState{}, err
			}
			s.Effect = e
			if !speedSet {
				s.EffectSpeed = e.DefaultSpeed()
			}
		case "speed":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil || n == 0 {
				return mesh.LightState{}, fmt.Errorf("invalid speed %q", val)
			}
			s.EffectSpeed = uint8(n)
			speedSet = true
		default:
			return mesh.LightState{}, fmt.Errorf("unknown word %q, want %s", word, stateUsage)
		}
	}
	if s.Effect == mesh.EffectNone {
		if speedSet {
			return mesh.LightState{}, errors.New("speed needs an effect")
		}
		s.EffectSpeed = 0
	}
	if err := s.Validate(); err != nil {
		return mesh.LightState{}, err
	}
	return s, nil
}
