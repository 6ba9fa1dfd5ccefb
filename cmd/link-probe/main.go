// link-probe scans the host's serial ports for the drive controller by
// sending the handshake probe to each. Bring-up tool for new hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.bug.st/serial"

	"github.com/Bumply/bitirme/internal/config"
	"github.com/Bumply/bitirme/pkg/actuator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "link-probe: %v\n", err)
		os.Exit(1)
	}

	linkCfg := actuator.Config{
		Baud:             cfg.Actuator.Baud,
		HandshakeTimeout: cfg.Actuator.HandshakeTimeout(),
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "link-probe: list ports: %v\n", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports present")
		os.Exit(1)
	}

	fmt.Printf("probing %d ports at %d baud\n", len(ports), cfg.Actuator.Baud)

	found := ""
	for _, name := range ports {
		fmt.Printf("  %-24s ", name)
		if actuator.ProbePort(name, linkCfg) {
			fmt.Println("controller answered")
			if found == "" {
				found = name
			}
		} else {
			fmt.Println("no answer")
		}
	}

	if found == "" {
		fmt.Println("\nno drive controller found")
		os.Exit(1)
	}
	fmt.Printf("\nuse actuator.port: %q or FACEDRIVE_SERIAL_PORT=%s\n", found, found)
}
