package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshlight/internal/bridge"
	"github.com/chaz8081/meshlight/internal/config"
	"github.com/chaz8081/meshlight/internal/discovery"
	"github.com/chaz8081/meshlight/internal/effects"
	"github.com/chaz8081/meshlight/internal/mesh"
)

var (
	scanTimeout time.Duration

	pairTimeout time.Duration
	pairAddress uint16
	pairName    string
	pairCap     string

	setTimeout time.Duration

	effectBrightness uint8
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config with a fresh mesh key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("Config already exists at %s, leaving it alone.\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List unpaired lights and paired-state broadcasts",
	Long: `Scan for pairing beacons and paired-state frames.

Lights advertise a pairing beacon for a short while after being powered on,
so power cycle a light to make it show up. Frames carrying this mesh's key
are decoded; others are shown raw.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			timeout := scanTimeout
			if timeout <= 0 {
				timeout = a.cfg.Discovery.Timeout
			}
			s, err := a.bridge.BeginDiscovery(ctx, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Scanning for %s. Ctrl+C to stop.\n", timeout)
			for ev := range s.Events() {
				printEvent(ev)
			}
			res := s.Wait()
			fmt.Printf("\n%d candidate(s), %d paired-state frame(s), %d other frame(s)\n",
				len(res.Candidates), len(res.Observations), res.Unknown)
			return ignoreCancel(res.Err)
		})
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair [device-id|index]",
	Short: "Pair an unpaired light",
	Long: `Scan for pairing beacons, then hand one light its address and the mesh key.

With no argument the first light found is paired. A device id (as printed by
scan) or a 1-based index into the candidates seen picks a specific one. The
new light is saved to the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		want := ""
		if len(args) == 1 {
			want = args[0]
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			c, err := findCandidate(ctx, a, want, pairTimeout)
			if err != nil {
				return err
			}
			addr := mesh.Address(pairAddress)
			if !addr.Valid() {
				addr = c.ProposedAddress
			}
			return pairCandidate(ctx, os.Stdout, a, c, addr, pairName, pairCap)
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set ADDRESS STATE...",
	Short: "Set the state of a paired light",
	Long: `Set the state of a paired light and wait until it has been broadcast.

STATE is ` + stateUsage + `

Examples:
  meshlight set 5 off
  meshlight set 5 rgb ff8800 bri 60
  meshlight set 6 white 200,40
  meshlight set 5 effect fire speed 32`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		state, err := parseState(args[1:])
		if err != nil {
			return err
		}
		return withApp(false, func(ctx context.Context, a *app) error {
			if err := a.bridge.SetLightState(addr, state); err != nil {
				return err
			}
			if err := a.waitSent(ctx, addr, setTimeout); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", addr, state)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the states paired lights broadcast",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(ctx context.Context, a *app) error {
			errc := make(chan error, 1)
			go func() { errc <- a.bridge.Observe(ctx) }()

			last := make(map[mesh.Address]time.Time)
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case err := <-errc:
					return ignoreCancel(err)
				case <-t.C:
					for _, d := range a.bridge.Devices() {
						if d.Observed == nil || !d.ObservedAt.After(last[d.Address]) {
							continue
						}
						last[d.Address] = d.ObservedAt
						fmt.Printf("%s  %-12s %-28s rssi %d\n",
							d.ObservedAt.Format("15:04:05"), d.Name, d.Observed, d.RSSI)
					}
				}
			}
		})
	},
}

var effectCmd = &cobra.Command{
	Use:   "effect NAME ADDRESS...",
	Short: "Animate lights until interrupted",
	Long: `Animate lights from the host until Ctrl+C.

NAME is rainbow or complementary. These are computed here and sent as plain
color changes, unlike the effect word of set, which the light runs itself.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		anim, err := effects.New(args[0], effectBrightness)
		if err != nil {
			return err
		}
		addrs, err := parseAddresses(args[1:])
		if err != nil {
			return err
		}
		return withApp(true, func(ctx context.Context, a *app) error {
			log.Printf("Running %s on %s. Ctrl+C to stop.", anim.Name(), joinAddresses(addrs))
			return effects.Run(ctx, a.bridge, addrs, anim)
		})
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "how long to scan (default: discovery.timeout)")

	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", 0, "how long to look for the light (default: discovery.timeout)")
	pairCmd.Flags().Uint16Var(&pairAddress, "address", 0, "mesh address to assign (default: next free)")
	pairCmd.Flags().StringVar(&pairName, "name", "", "name to save the light under")
	pairCmd.Flags().StringVar(&pairCap, "capability", "rgbw", "channels the light has: rgb, white or rgbw")

	setCmd.Flags().DurationVar(&setTimeout, "timeout", 5*time.Second, "how long to wait for the broadcast")

	effectCmd.Flags().Uint8Var(&effectBrightness, "brightness", 100, "brightness 1-100")

	rootCmd.AddCommand(initCmd, scanCmd, pairCmd, setCmd, watchCmd, effectCmd, consoleCmd)
}

// findCandidate scans until a candidate matching want is seen. An empty
// want takes the first candidate; digits select by 1-based position.
func findCandidate(ctx context.Context, a *app, want string, timeout time.Duration) (discovery.Candidate, error) {
	if timeout <= 0 {
		timeout = a.cfg.Discovery.Timeout
	}
	var wantID mesh.DeviceID
	wantIndex := 0
	if want != "" {
		if n, err := strconv.Atoi(want); err == nil && n > 0 && len(want) < 4 {
			wantIndex = n
		} else if wantID, err = mesh.ParseDeviceID(want); err != nil {
			return discovery.Candidate{}, err
		}
	}

	s, err := a.bridge.BeginDiscovery(ctx, timeout)
	if err != nil {
		return discovery.Candidate{}, err
	}
	defer s.Cancel()
	log.Printf("Looking for lights in pairing mode for %s. Power cycle the light now.", timeout)

	seen := 0
	for ev := range s.Events() {
		if ev.Kind != discovery.EventCandidate {
			continue
		}
		seen++
		c := *ev.Candidate
		printEvent(ev)
		switch {
		case wantIndex > 0 && seen == wantIndex,
			!wantID.IsZero() && c.DeviceID == wantID,
			want == "":
			return c, nil
		}
	}
	if err := ignoreCancel(s.Wait().Err); err != nil {
		return discovery.Candidate{}, err
	}
	if want == "" {
		return discovery.Candidate{}, errors.New("no light in pairing mode found")
	}
	return discovery.Candidate{}, fmt.Errorf("light %s not found", want)
}

// pairCandidate pairs c at addr and saves it to the config file.
func pairCandidate(ctx context.Context, w io.Writer, a *app, c discovery.Candidate, addr mesh.Address, name, capability string) error {
	if !addr.Valid() {
		return errors.New("no free mesh address")
	}
	capab, err := mesh.ParseCapability(capability)
	if err != nil {
		return err
	}
	dev, err := a.bridge.Pair(ctx, c, addr)
	if errors.Is(err, bridge.ErrPairingNoAck) {
		return fmt.Errorf("%w (power cycle the light and try again)", err)
	}
	if err != nil {
		return err
	}
	if dev, err = a.bridge.Describe(dev.Address, name, capab); err != nil {
		return err
	}
	fmt.Fprintf(w, "Paired %s as %q at address %s\n", dev.DeviceID, dev.Name, dev.Address)
	return a.savePairing(dev)
}

func parseAddresses(args []string) ([]mesh.Address, error) {
	addrs := make([]mesh.Address, 0, len(args))
	for _, s := range args {
		addr, err := parseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func printEvent(ev discovery.Event) { printEventTo(os.Stdout, ev) }

func printEventTo(w io.Writer, ev discovery.Event) {
	switch ev.Kind {
	case discovery.EventCandidate:
		c := ev.Candidate
		fmt.Fprintf(w, "candidate  %s  mac %s  rssi %d  type 0x%02X  fw %d  proposed %s\n",
			c.DeviceID, c.MAC, c.RSSI, c.DeviceType, c.Firmware, c.ProposedAddress)
	case discovery.EventObservation:
		o := ev.Observation
		if o.Decoded {
			fmt.Fprintf(w, "state      address %s  %s  mac %s  rssi %d\n", o.Frame.Address, o.Frame.State, o.MAC, o.RSSI)
		} else {
			fmt.Fprintf(w, "state      (foreign key) mac %s  rssi %d  % X\n", o.MAC, o.RSSI, o.Raw)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func joinAddresses(addrs []mesh.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
