// Command test-scan is a manual test for the scanning path.
// It prints every fastcon frame the local adapter hears with its
// classification. Power cycle a light to see its pairing beacon.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-scan [--key 5a112233]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/meshlight/internal/ble"
	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

func main() {
	keyHex := flag.String("key", "", "mesh key to decode paired-state frames with (optional)")
	flag.Parse()

	var cipher *blecrypto.Cipher
	if *keyHex != "" {
		key, err := mesh.ParseMeshKey(*keyHex)
		if err != nil {
			fmt.Printf("Error: --key: %v\n", err)
			os.Exit(1)
		}
		cipher = blecrypto.ForKey(key)
	}

	adapter := ble.NewNativeAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// Handle Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Scanning. Press Ctrl+C to exit.")
	err := adapter.Scan(ctx, func(adv mesh.Advertisement) {
		switch protocol.Classify(adv, protocol.CompanyID) {
		case protocol.FramePairingBeacon:
			b, err := protocol.ParseBeacon(adv)
			if err != nil {
				fmt.Printf("beacon  %s  bad: %v\n", adv.MAC, err)
				return
			}
			fmt.Printf("beacon  %s  rssi %4d  device %s  type 0x%02X\n", adv.MAC, adv.RSSI, b.DeviceID, b.DeviceType)
		case protocol.FramePairedState:
			if cipher != nil {
				if f, err := protocol.DecodeControl(adv.Payload, cipher); err == nil {
					fmt.Printf("state   %s  rssi %4d  address %s  %s\n", adv.MAC, adv.RSSI, f.Address, f.State)
					return
				}
			}
			fmt.Printf("state   %s  rssi %4d  % X\n", adv.MAC, adv.RSSI, adv.Payload)
		}
	})
	if err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nStopped.")
}
