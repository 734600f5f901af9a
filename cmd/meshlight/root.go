package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshlight/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meshlight",
	Short: "Control fastcon BLE mesh lights",
	Long: `meshlight pairs and controls lights that speak the fastcon (BRMesh)
broadcast protocol.

Commands are sent as BLE advertisements, so no connection is held to any
light. Pairing opens one short GATT connection to hand a new light its mesh
address and the mesh key.

Radios:
  hci:       the local Bluetooth adapter (default)
  serial:    a radio relay on a serial port
  websocket: a radio relay reachable over ws:// or wss://

For WebSocket relays the password is read from the environment variable
named by transport.websocket.password_env (MESHLIGHT_RELAY_PASSWORD by
default), never from the config file.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to config file (default: %s)", config.DefaultConfigPath()))
}
