package actuator

import (
	"bufio"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/control"
)

// Port is the transport under the link. The real implementation is a
// serial port; tests inject an in-memory fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer opens the transport, once at startup and again on reconnects.
type Dialer func() (Port, error)

// Link is the actuator attachment the pipeline drives.
type Link interface {
	Send(cmd control.Command) error
	Home() error
	Events() <-chan Event
	Fatal() <-chan error
	Connected() bool
	Stats() Stats
	Close() error
}

// Config holds the link tuning. Intervals follow the firmware contract.
type Config struct {
	Port string
	Baud int

	// CommandInterval is the minimum spacing between frames on the wire.
	CommandInterval time.Duration
	// Keepalive re-sends the last command when the policy pauses, so the
	// firmware watchdog stays fed through brief hiccups.
	Keepalive time.Duration
	// Watchdog is how long the policy may stay silent before the link
	// forces a stop frame on its own.
	Watchdog time.Duration

	HandshakeTimeout time.Duration

	ReconnectMaxRetries int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration

	// HomeOnConnect recenters the steering after each (re)connect.
	HomeOnConnect bool
	// StopRepeatsOnClose is how many stop frames Close writes before
	// releasing the port.
	StopRepeatsOnClose int
}

// DefaultConfig returns the deployed link tuning.
func DefaultConfig() Config {
	return Config{
		Port:                "/dev/ttyUSB0",
		Baud:                115200,
		CommandInterval:     50 * time.Millisecond,
		Keepalive:           100 * time.Millisecond,
		Watchdog:            400 * time.Millisecond,
		HandshakeTimeout:    2 * time.Second,
		ReconnectMaxRetries: 5,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		HomeOnConnect:       true,
		StopRepeatsOnClose:  3,
	}
}

// Stats counts link activity.
type Stats struct {
	Sent          uint64
	Keepalives    uint64
	WatchdogStops uint64
	Disconnects   uint64
	Reconnects    uint64
	DroppedEvents uint64
}

// SerialLink drives the motor controller over a Port. It owns a reader
// goroutine for firmware lines and a ticker goroutine for the keepalive
// and host-side watchdog.
type SerialLink struct {
	cfg  Config
	log  *slog.Logger
	dial Dialer

	mu        sync.Mutex
	port      Port
	connected bool
	closed    bool
	last      control.Command
	lastFresh time.Time // last command accepted from the policy
	lastWrite time.Time // last frame on the wire
	stats     Stats

	events chan Event
	fatal  chan error
	ack    chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open dials the transport, performs the handshake, and starts the link
// goroutines.
func Open(cfg Config, dial Dialer) (*SerialLink, error) {
	l := &SerialLink{
		cfg:    cfg,
		log:    logx.Component("actuator"),
		dial:   dial,
		last:   control.Command{Stop: true},
		events: make(chan Event, 16),
		fatal:  make(chan error, 1),
		ack:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if err := l.connect(); err != nil {
		return nil, fmt.Errorf("actuator: open link: %w", err)
	}
	l.wg.Add(1)
	go l.tickLoop()
	return l, nil
}

// OpenSerial opens the configured serial port at 8N1.
func OpenSerial(cfg Config) (*SerialLink, error) {
	dial := func() (Port, error) {
		mode := &serial.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return serial.Open(cfg.Port, mode)
	}
	return Open(cfg, dial)
}

// connect dials, starts the reader, and verifies the firmware handshake.
func (l *SerialLink) connect() error {
	port, err := l.dial()
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		port.Close()
		return ErrNotConnected
	}
	l.port = port
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(port)

	if err := l.handshake(port); err != nil {
		l.releasePort(port)
		return err
	}
	if l.cfg.HomeOnConnect {
		if _, err := port.Write([]byte(homeFrame)); err != nil {
			l.releasePort(port)
			return fmt.Errorf("home after connect: %w", err)
		}
	}

	l.mu.Lock()
	now := time.Now()
	l.connected = true
	l.last = control.Command{Stop: true}
	l.lastFresh, l.lastWrite = now, now
	l.mu.Unlock()

	l.log.Info("actuator link up", "port", l.cfg.Port)
	return nil
}

// releasePort closes a port that never finished connecting.
func (l *SerialLink) releasePort(port Port) {
	l.mu.Lock()
	if l.port == port {
		l.port = nil
	}
	l.mu.Unlock()
	port.Close()
}

// handshake probes the controller and waits for its answer.
func (l *SerialLink) handshake(port Port) error {
	select {
	case <-l.ack: // stale answer from a previous session
	default:
	}
	if _, err := port.Write([]byte(probeFrame)); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	select {
	case <-l.ack:
		return nil
	case <-time.After(l.cfg.HandshakeTimeout):
		return fmt.Errorf("handshake timeout after %v", l.cfg.HandshakeTimeout)
	case <-l.done:
		return ErrNotConnected
	}
}

// readLoop scans firmware lines until the port dies.
func (l *SerialLink) readLoop(port Port) {
	defer l.wg.Done()
	s := bufio.NewScanner(port)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		l.handleLine(line)
	}
	l.reportDisconnect(port, s.Err())
}

func (l *SerialLink) handleLine(line string) {
	if line == ackLine {
		select {
		case l.ack <- struct{}{}:
		default:
		}
		return
	}
	if e, ok := parseEvent(line, time.Now()); ok {
		if e.Kind == ObstacleDetected {
			l.log.Warn("firmware reported obstacle")
		} else {
			l.log.Info("firmware event", "event", e.Kind.String())
		}
		l.publish(e)
		return
	}
	l.log.Debug("unrecognized firmware line", "line", line)
}

// publish delivers an event without ever blocking; when the channel is
// full the oldest event is dropped.
func (l *SerialLink) publish(e Event) {
	select {
	case l.events <- e:
		return
	default:
	}
	select {
	case <-l.events:
		l.mu.Lock()
		l.stats.DroppedEvents++
		l.mu.Unlock()
	default:
	}
	select {
	case l.events <- e:
	default:
	}
}

// tickLoop feeds the firmware watchdog. Past the keepalive interval it
// repeats the last command; past the watchdog window it forces a stop.
func (l *SerialLink) tickLoop() {
	defer l.wg.Done()
	t := time.NewTicker(l.cfg.CommandInterval)
	defer t.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-t.C:
		}

		l.mu.Lock()
		if !l.connected || l.closed {
			l.mu.Unlock()
			continue
		}
		now := time.Now()
		if now.Sub(l.lastWrite) < l.cfg.Keepalive {
			l.mu.Unlock()
			continue
		}
		if now.Sub(l.lastFresh) >= l.cfg.Watchdog && !l.last.Stop {
			l.last = control.Command{Stop: true}
			l.stats.WatchdogStops++
			l.log.Warn("policy silent past watchdog window, forcing stop",
				"window", l.cfg.Watchdog)
		} else {
			l.stats.Keepalives++
		}
		l.writeLocked(l.last)
		l.mu.Unlock()
	}
}

// Send validates, paces, and writes one policy command.
func (l *SerialLink) Send(cmd control.Command) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	// Enforce the minimum inter-frame spacing.
	for {
		l.mu.Lock()
		if l.closed || !l.connected {
			l.mu.Unlock()
			return ErrNotConnected
		}
		wait := l.cfg.CommandInterval - time.Since(l.lastWrite)
		if wait <= 0 {
			break
		}
		l.mu.Unlock()
		time.Sleep(wait)
	}
	defer l.mu.Unlock()

	l.last = cmd
	l.lastFresh = time.Now()
	if err := l.writeFrameLocked(frame); err != nil {
		return fmt.Errorf("actuator: send: %w", err)
	}
	return nil
}

// writeLocked encodes and writes a link-originated frame. Caller holds the
// lock.
func (l *SerialLink) writeLocked(cmd control.Command) {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return
	}
	l.writeFrameLocked(frame)
}

// writeFrameLocked puts one frame on the wire and drops the link on write
// failure. Caller holds the lock.
func (l *SerialLink) writeFrameLocked(frame []byte) error {
	if l.port == nil {
		return ErrNotConnected
	}
	if _, err := l.port.Write(frame); err != nil {
		l.dropLinkLocked(err)
		return err
	}
	l.lastWrite = time.Now()
	l.stats.Sent++
	return nil
}

// Home asks the firmware to recenter the steering.
func (l *SerialLink) Home() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.connected || l.port == nil {
		return ErrNotConnected
	}
	if _, err := l.port.Write([]byte(homeFrame)); err != nil {
		l.dropLinkLocked(err)
		return fmt.Errorf("actuator: home: %w", err)
	}
	return nil
}

// dropLinkLocked tears the connection down and starts the reconnect loop.
// Caller holds the lock.
func (l *SerialLink) dropLinkLocked(cause error) {
	if !l.connected {
		return
	}
	l.connected = false
	l.stats.Disconnects++
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.log.Error("actuator link lost", "error", cause)

	l.wg.Add(1)
	go l.reconnect()
}

// reportDisconnect handles a reader exit. Stale readers from already
// replaced ports are ignored.
func (l *SerialLink) reportDisconnect(port Port, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.port != port || !l.connected {
		return
	}
	if err == nil {
		err = fmt.Errorf("controller stream closed")
	}
	l.dropLinkLocked(err)
}

// reconnect retries the connection with exponential backoff, then reports
// a fatal link failure when the budget is spent.
func (l *SerialLink) reconnect() {
	defer l.wg.Done()

	delay := l.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= l.cfg.ReconnectMaxRetries; attempt++ {
		select {
		case <-l.done:
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > l.cfg.ReconnectMaxDelay {
			delay = l.cfg.ReconnectMaxDelay
		}

		err := l.connect()
		if err == nil {
			l.mu.Lock()
			l.stats.Reconnects++
			l.mu.Unlock()
			return
		}
		l.log.Warn("actuator reconnect failed", "attempt", attempt, "error", err)
	}

	l.log.Error("actuator reconnect budget exhausted", "attempts", l.cfg.ReconnectMaxRetries)
	select {
	case l.fatal <- fmt.Errorf("actuator: reconnect failed after %d attempts: %w",
		l.cfg.ReconnectMaxRetries, ErrNotConnected):
	default:
	}
}

// Events returns firmware notifications. The channel closes on Close.
func (l *SerialLink) Events() <-chan Event { return l.events }

// Fatal reports an unrecoverable link failure at most once.
func (l *SerialLink) Fatal() <-chan error { return l.fatal }

// Connected reports whether commands currently reach the chair.
func (l *SerialLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Stats returns a snapshot of the link counters.
func (l *SerialLink) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close writes the final stop frames, releases the port, and joins the
// link goroutines.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	port := l.port
	if l.connected && port != nil {
		if frame, err := EncodeCommand(control.Command{Stop: true}); err == nil {
			for i := 0; i < l.cfg.StopRepeatsOnClose; i++ {
				port.Write(frame)
			}
		}
	}
	l.connected = false
	l.port = nil
	l.mu.Unlock()

	close(l.done)
	if port != nil {
		port.Close()
	}
	l.wg.Wait()
	close(l.events)
	return nil
}
