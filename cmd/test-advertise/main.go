// Command test-advertise is a manual test for the advertising path.
// It blinks one paired light: on in red, then off, broadcasting each frame
// straight through the local adapter without the scheduler.
// Watch the light before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-advertise --key 5a112233 [--address 1] [--duration 300ms]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/meshlight/internal/ble"
	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

func main() {
	keyHex := flag.String("key", "", "mesh key, 8 hex digits")
	address := flag.Uint("address", 1, "mesh address of the light")
	duration := flag.Duration("duration", 300*time.Millisecond, "how long each frame is advertised")
	flag.Parse()

	key, err := mesh.ParseMeshKey(*keyHex)
	if err != nil {
		fmt.Printf("Error: --key: %v\n", err)
		return
	}
	addr := mesh.Address(*address)
	cipher := blecrypto.ForKey(key)

	adapter := ble.NewNativeAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Will blink light %s (key %s) in 3 seconds...\n", addr, key.Fingerprint())
	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	steps := []mesh.LightState{mesh.RGB(100, 255, 0, 0), mesh.Off()}
	for i, state := range steps {
		frame, err := protocol.EncodeControl(protocol.ControlCommand{
			Address: addr,
			State:   state,
			Seq:     uint8(i + 1),
			Forward: true,
		}, cipher)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%-22s % X\n", state, frame)
		if err := adapter.Advertise(context.Background(), protocol.CompanyID, frame, *duration); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		time.Sleep(time.Second)
	}

	fmt.Println("\nDone!")
}
