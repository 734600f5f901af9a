package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/chaz8081/meshlight/internal/discovery"
	"github.com/chaz8081/meshlight/internal/effects"
	"github.com/chaz8081/meshlight/internal/mesh"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive shell for pairing and controlling lights",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(ctx context.Context, a *app) error {
			c, err := newConsole(a)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			c.run(ctx, cancel)
			return nil
		})
	},
}

// console is the interactive command loop.
type console struct {
	app *app
	rl  *readline.Instance

	mu         sync.Mutex
	candidates []discovery.Candidate // from the last scan
	scan       *discovery.Session
	stopEffect context.CancelFunc
	stopWatch  context.CancelFunc
}

func newConsole(a *app) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "meshlight> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	// Keep log lines from tearing the prompt.
	log.SetOutput(rl.Stderr())
	return &console{app: a, rl: rl}, nil
}

func (c *console) out() io.Writer { return c.rl.Stdout() }

func (c *console) run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer c.stopAll()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "list", "ls":
			c.cmdList()
		case "status", "st":
			c.cmdStatus(args)
		case "set", "s":
			c.cmdSet(args)
		case "on", "off":
			if len(args) == 0 {
				fmt.Fprintf(c.out(), "Usage: %s ADDR\n", cmd)
				continue
			}
			c.cmdSet(append([]string{args[0], cmd}, args[1:]...))
		case "scan":
			c.cmdScan(ctx, args)
		case "pair":
			c.cmdPair(ctx, args)
		case "name":
			c.cmdName(args)
		case "effect", "fx":
			c.cmdEffect(ctx, args)
		case "watch":
			c.cmdWatch(ctx, args)
		case "quit", "exit", "q":
			fmt.Fprintln(c.out(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(c.out(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out(), `Commands:
  list                          paired lights
  status ADDR                   scheduler and observed state of a light
  set ADDR STATE...             e.g. set 5 rgb ff8800 bri 60
  on ADDR [STATE...]            switch on, optionally with a state
  off ADDR                      switch off
  scan [SECONDS]                look for lights in pairing mode
  pair N|DEVICE-ID [ADDR]       pair a light from the last scan
  name ADDR NAME [CAPABILITY]   rename a light and save it
  effect NAME ADDR...           run rainbow or complementary
  effect stop                   stop the running effect
  watch on|off                  record what paired lights broadcast
  quit                          leave`)
	fmt.Fprintf(c.out(), "\nSTATE is %s\n\n", stateUsage)
}

func (c *console) cmdList() {
	devices := c.app.bridge.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out(), "No paired lights. Use 'scan' and 'pair'.")
		return
	}
	for _, d := range devices {
		observed := "-"
		if d.Observed != nil {
			observed = d.Observed.String()
		}
		fmt.Fprintf(c.out(), "%5s  %-16s %-6s %-18s seen: %s\n", d.Address, d.Name, d.Capability, d.DeviceID, observed)
	}
}

func (c *console) cmdStatus(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out(), "Usage: status ADDR")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	st, err := c.app.bridge.Status(addr)
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	fmt.Fprintf(c.out(), "%s (%s, %s)\n", st.Name, st.Address, st.Capability)
	if !st.Scheduled {
		fmt.Fprintln(c.out(), "  no intents yet")
	} else {
		s := st.Schedule
		fmt.Fprintf(c.out(), "  state:     %s\n", s.State)
		fmt.Fprintf(c.out(), "  desired:   %s\n", s.Desired)
		if s.LastSent != nil {
			fmt.Fprintf(c.out(), "  sent:      %s at %s\n", *s.LastSent, s.LastSentAt.Format(time.TimeOnly))
		}
		if s.Failures > 0 {
			fmt.Fprintf(c.out(), "  failures:  %d (degraded %t): %v\n", s.Failures, s.Degraded, s.LastError)
		}
	}
	if st.Observed != nil {
		fmt.Fprintf(c.out(), "  observed:  %s at %s, rssi %d\n", *st.Observed, st.ObservedAt.Format(time.TimeOnly), st.RSSI)
	}
}

func (c *console) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out(), "Usage: set ADDR STATE...")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	state, err := parseState(args[1:])
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	if err := c.app.bridge.SetLightState(addr, state); err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	fmt.Fprintf(c.out(), "%s -> %s\n", addr, state)
}

func (c *console) cmdScan(ctx context.Context, args []string) {
	timeout := c.app.cfg.Discovery.Timeout
	if len(args) == 1 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			fmt.Fprintln(c.out(), "Usage: scan [SECONDS]")
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	c.mu.Lock()
	if c.scan != nil {
		c.scan.Cancel()
	}
	s, err := c.app.bridge.BeginDiscovery(ctx, timeout)
	if err != nil {
		c.mu.Unlock()
		fmt.Fprintln(c.out(), err)
		return
	}
	c.scan = s
	c.candidates = nil
	c.mu.Unlock()

	fmt.Fprintf(c.out(), "Scanning for %s. Power cycle a light to put it in pairing mode.\n", timeout)
	go func() {
		for ev := range s.Events() {
			if ev.Kind != discovery.EventCandidate {
				continue
			}
			c.mu.Lock()
			if c.scan != s {
				c.mu.Unlock()
				continue
			}
			c.candidates = append(c.candidates, *ev.Candidate)
			n := len(c.candidates)
			c.mu.Unlock()
			fmt.Fprintf(c.out(), "[%d] ", n)
			printEventTo(c.out(), ev)
		}
		res := s.Wait()
		if err := ignoreCancel(res.Err); err != nil {
			fmt.Fprintf(c.out(), "Scan failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.out(), "Scan finished: %d candidate(s).\n", len(res.Candidates))
	}()
}

func (c *console) cmdPair(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(c.out(), "Usage: pair N|DEVICE-ID [ADDR]")
		return
	}
	cand, ok := c.pickCandidate(args[0])
	if !ok {
		fmt.Fprintf(c.out(), "No candidate %s in the last scan.\n", args[0])
		return
	}
	addr := cand.ProposedAddress
	if len(args) == 2 {
		var err error
		if addr, err = parseAddress(args[1]); err != nil {
			fmt.Fprintln(c.out(), err)
			return
		}
	}
	if err := pairCandidate(ctx, c.out(), c.app, cand, addr, "", ""); err != nil {
		fmt.Fprintf(c.out(), "Pairing failed: %v\n", err)
	}
}

func (c *console) pickCandidate(s string) (discovery.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, err := strconv.Atoi(s); err == nil && len(s) < 4 {
		if n < 1 || n > len(c.candidates) {
			return discovery.Candidate{}, false
		}
		return c.candidates[n-1], true
	}
	id, err := mesh.ParseDeviceID(s)
	if err != nil {
		return discovery.Candidate{}, false
	}
	for _, cand := range c.candidates {
		if cand.DeviceID == id {
			return cand, true
		}
	}
	return discovery.Candidate{}, false
}

func (c *console) cmdName(args []string) {
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(c.out(), "Usage: name ADDR NAME [rgb|white|rgbw]")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	var capability mesh.Capability
	if len(args) == 3 {
		if capability, err = mesh.ParseCapability(args[2]); err != nil {
			fmt.Fprintln(c.out(), err)
			return
		}
	}
	dev, err := c.app.bridge.Describe(addr, args[1], capability)
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	if err := c.app.savePairing(dev); err != nil {
		fmt.Fprintf(c.out(), "Saving failed: %v\n", err)
	}
}

func (c *console) cmdEffect(ctx context.Context, args []string) {
	if len(args) == 1 && args[0] == "stop" {
		c.mu.Lock()
		stop := c.stopEffect
		c.stopEffect = nil
		c.mu.Unlock()
		if stop == nil {
			fmt.Fprintln(c.out(), "No effect running.")
			return
		}
		stop()
		return
	}
	if len(args) < 2 {
		fmt.Fprintln(c.out(), "Usage: effect rainbow|complementary ADDR... | effect stop")
		return
	}
	anim, err := effects.New(args[0], 0)
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}
	addrs, err := parseAddresses(args[1:])
	if err != nil {
		fmt.Fprintln(c.out(), err)
		return
	}

	ectx, stop := context.WithCancel(ctx)
	c.mu.Lock()
	if c.stopEffect != nil {
		c.stopEffect()
	}
	c.stopEffect = stop
	c.mu.Unlock()

	go func() {
		err := effects.Run(ectx, c.app.bridge, addrs, anim)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(c.out(), "Effect %s stopped: %v\n", anim.Name(), err)
			return
		}
		fmt.Fprintf(c.out(), "Effect %s stopped.\n", anim.Name())
	}()
	fmt.Fprintf(c.out(), "Running %s on %s.\n", anim.Name(), joinAddresses(addrs))
}

func (c *console) cmdWatch(ctx context.Context, args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(c.out(), "Usage: watch on|off")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if args[0] == "off" {
		fmt.Fprintln(c.out(), "Watch stopped.")
		return
	}
	wctx, stop := context.WithCancel(ctx)
	c.stopWatch = stop
	go func() {
		if err := c.app.bridge.Observe(wctx); ignoreCancel(err) != nil {
			fmt.Fprintf(c.out(), "Watch failed: %v\n", err)
		}
	}()
	fmt.Fprintln(c.out(), "Watching. Observed states show up in 'list' and 'status'.")
}

func (c *console) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stop := range []context.CancelFunc{c.stopEffect, c.stopWatch} {
		if stop != nil {
			stop()
		}
	}
	if c.scan != nil {
		c.scan.Cancel()
	}
}
