package actuator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DetectPort scans the host's serial ports and returns the first one
// whose firmware answers the handshake. Used when no port is configured.
func DetectPort(cfg Config) (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("actuator: list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", errors.New("actuator: no serial ports present")
	}
	for _, name := range ports {
		if ProbePort(name, cfg) {
			return name, nil
		}
	}
	return "", fmt.Errorf("actuator: no controller answered on %d ports", len(ports))
}

// ProbePort opens the named port, sends one handshake probe, and reports
// whether the firmware acknowledged it within the handshake timeout.
func ProbePort(name string, cfg Config) bool {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return false
	}
	defer port.Close()

	if err := port.SetReadTimeout(cfg.HandshakeTimeout); err != nil {
		return false
	}
	if _, err := port.Write([]byte(probeFrame)); err != nil {
		return false
	}

	var acc strings.Builder
	buf := make([]byte, 64)
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			return false
		}
		acc.Write(buf[:n])
		if strings.Contains(acc.String(), ackLine) {
			return true
		}
	}
	return false
}
