// Command meshlight controls fastcon BLE mesh lights. It pairs new
// fixtures, drives paired ones, and watches what they broadcast, using the
// local Bluetooth adapter or a remote radio relay.
//
// Usage:
//
//	meshlight init
//	meshlight scan [--timeout 30s]
//	meshlight pair [device-id|index] [--address N] [--name NAME]
//	meshlight set ADDRESS [--off] [--brightness N] [--rgb RRGGBB] [--white WARM,COOL] [--effect NAME]
//	meshlight run
//	meshlight console
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
