package hw

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"oams-go-migration/pkg/log"
)

// DefaultBaudRate matches the OAMS controller firmware.
const DefaultBaudRate = 115200

// SerialBackend talks to the feeder MCU over a line-oriented serial
// protocol:
//
//	host -> mcu:  "pin <name> <value>"
//	mcu -> host:  "adc <name> <value>" | "enc <delta>" | "tach <rpm>"
//
// ADC/encoder callbacks are invoked from the read goroutine.
type SerialBackend struct {
	mu      sync.Mutex
	port    serial.Port
	writer  *bufio.Writer
	pins    map[string]*serialPin
	adcSubs map[string][]ADCCallback
	encSubs []func(delta int)
	rpm     float64
	start   time.Time
	closed  bool
	logger  *log.Logger
}

type serialPin struct {
	name    string
	backend *SerialBackend
	mu      sync.Mutex
	val     float64
}

func (p *serialPin) Set(value float64) {
	p.mu.Lock()
	p.val = value
	p.mu.Unlock()
	p.backend.writePin(p.name, value)
}

func (p *serialPin) Get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// OpenSerial connects to the MCU on the given port.
func OpenSerial(portName string, baudRate int) (*SerialBackend, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("hw: open %s: %w", portName, err)
	}
	b := &SerialBackend{
		port:    port,
		writer:  bufio.NewWriter(port),
		pins:    make(map[string]*serialPin),
		adcSubs: make(map[string][]ADCCallback),
		start:   time.Now(),
		logger:  log.GetLogger("hw"),
	}
	go b.readLoop()
	return b, nil
}

// OutputPin implements Backend.
func (b *SerialBackend) OutputPin(name string) (OutputPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[name]
	if !ok {
		p = &serialPin{name: name, backend: b}
		b.pins[name] = p
	}
	return p, nil
}

// SubscribeADC implements Backend.
func (b *SerialBackend) SubscribeADC(name string, cb ADCCallback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adcSubs[name] = append(b.adcSubs[name], cb)
	return nil
}

// SubscribeEncoder implements Backend.
func (b *SerialBackend) SubscribeEncoder(cb func(delta int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encSubs = append(b.encSubs, cb)
}

// RPM implements Backend.
func (b *SerialBackend) RPM() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpm
}

// Close stops the read loop and closes the port.
func (b *SerialBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.port.Close()
}

func (b *SerialBackend) writePin(name string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	fmt.Fprintf(b.writer, "pin %s %.4f\n", name, value)
	if err := b.writer.Flush(); err != nil {
		b.logger.Error("write pin %s: %v", name, err)
	}
}

func (b *SerialBackend) readLoop() {
	scanner := bufio.NewScanner(b.port)
	for scanner.Scan() {
		b.handleLine(strings.TrimSpace(scanner.Text()))
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		b.logger.Error("serial read loop ended: %v", scanner.Err())
	}
}

func (b *SerialBackend) handleLine(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	readTime := time.Since(b.start).Seconds()
	switch parts[0] {
	case "adc":
		if len(parts) != 3 {
			return
		}
		value, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return
		}
		b.mu.Lock()
		subs := append([]ADCCallback(nil), b.adcSubs[parts[1]]...)
		b.mu.Unlock()
		for _, cb := range subs {
			cb(readTime, value)
		}
	case "enc":
		if len(parts) != 2 {
			return
		}
		delta, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		b.mu.Lock()
		subs := append([]func(int){}, b.encSubs...)
		b.mu.Unlock()
		for _, cb := range subs {
			cb(delta)
		}
	case "tach":
		if len(parts) != 2 {
			return
		}
		rpm, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.rpm = rpm
		b.mu.Unlock()
	}
}
