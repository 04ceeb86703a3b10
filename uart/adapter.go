package uart

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
)

var logger = log.New(os.Stdout, "[Serial-Adapter] ", log.LstdFlags|log.Lshortfile)

// Config holds the serial transport settings.
type Config struct {
	Port              string        `yaml:"port"`               // serial device, e.g. "/dev/ttyUSB0"
	BaudRate          int           `yaml:"baud_rate"`          // line speed, the XDM1041 talks 115200 8N1
	ReadTimeout       time.Duration `yaml:"read_timeout"`       // read poll granularity, bounds shutdown latency
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // retry period after open or read errors
	ReadBufferSize    int           `yaml:"read_buffer_size"`   // chunk size handed to the session
}

// DefaultConfig returns the serial configuration for an OWON XDM on USB.
func DefaultConfig() Config {
	return Config{
		Port:              "/dev/ttyUSB0",
		BaudRate:          115200,
		ReadTimeout:       200 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
		ReadBufferSize:    256,
	}
}

// port is the slice of serial.Port the adapter needs, kept narrow so tests
// can fake the instrument end of the wire.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(time.Duration) error
}

// Adapter owns the serial connection to the instrument. Inbound bytes are
// forwarded as raw chunks on rxChan (framing is the session's job), outbound
// commands from txChan are written with CR LF termination. A lost connection
// is reopened in the background without disturbing either loop.
type Adapter struct {
	config    Config
	port      port
	portMutex sync.RWMutex
	rxChan    chan<- []byte // raw inbound chunks to the session
	txChan    <-chan string // commands from the session
	openPort  func() (port, error)
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewAdapter creates a serial adapter. Nothing is opened until Start.
func NewAdapter(config Config, rxChan chan<- []byte, txChan <-chan string) *Adapter {
	if config.BaudRate <= 0 {
		config.BaudRate = DefaultConfig().BaudRate
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultConfig().ReadBufferSize
	}

	a := &Adapter{
		config:   config,
		rxChan:   rxChan,
		txChan:   txChan,
		stopChan: make(chan struct{}),
	}
	a.openPort = a.defaultOpen
	return a
}

// Start launches the read, write and reconnect goroutines.
func (a *Adapter) Start() error {
	logger.Printf("Starting serial adapter on %s at %d baud", a.config.Port, a.config.BaudRate)

	a.wg.Add(1)
	go a.readLoop()

	a.wg.Add(1)
	go a.writeLoop()

	a.wg.Add(1)
	go a.reconnectLoop()

	return nil
}

// Stop terminates the goroutines and closes the port.
func (a *Adapter) Stop() error {
	logger.Println("Stopping serial adapter...")
	close(a.stopChan)
	a.wg.Wait()

	var err error
	a.portMutex.Lock()
	if a.port != nil {
		err = multierr.Append(err, a.port.Close())
		a.port = nil
	}
	a.portMutex.Unlock()

	logger.Println("Serial adapter stopped")
	return err
}

func (a *Adapter) isConnected() bool {
	a.portMutex.RLock()
	defer a.portMutex.RUnlock()
	return a.port != nil
}

func (a *Adapter) setPort(p port) {
	a.portMutex.Lock()
	a.port = p
	a.portMutex.Unlock()
	logger.Println("Serial connection established")
}

func (a *Adapter) getPort() port {
	a.portMutex.RLock()
	defer a.portMutex.RUnlock()
	return a.port
}

func (a *Adapter) closePort() {
	a.portMutex.Lock()
	if a.port != nil {
		a.port.Close()
		a.port = nil
	}
	a.portMutex.Unlock()
	logger.Println("Serial connection closed")
}

// defaultOpen opens the configured device through go.bug.st/serial.
func (a *Adapter) defaultOpen() (port, error) {
	mode := &serial.Mode{
		BaudRate: a.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(a.config.Port, mode)
}

// connect opens the port and applies the read timeout.
func (a *Adapter) connect() error {
	logger.Printf("Attempting to open %s", a.config.Port)

	p, err := a.openPort()
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", a.config.Port, err)
	}

	if err := p.SetReadTimeout(a.config.ReadTimeout); err != nil {
		err = fmt.Errorf("failed to set read timeout on %s: %v", a.config.Port, err)
		return multierr.Append(err, p.Close())
	}

	a.setPort(p)
	return nil
}

// readLoop forwards everything the instrument sends as raw byte chunks.
func (a *Adapter) readLoop() {
	defer a.wg.Done()
	logger.Println("Starting serial read loop")

	buf := make([]byte, a.config.ReadBufferSize)
	for {
		select {
		case <-a.stopChan:
			logger.Println("Read loop stopped")
			return
		default:
		}

		p := a.getPort()
		if p == nil {
			select {
			case <-a.stopChan:
				logger.Println("Read loop stopped")
				return
			case <-time.After(a.config.ReconnectInterval):
			}
			continue
		}

		n, err := p.Read(buf)
		if err != nil {
			logger.Printf("Read error: %v", err)
			a.closePort()
			continue
		}
		if n == 0 {
			// Read timeout expired with nothing buffered.
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		select {
		case a.rxChan <- chunk:
		default:
			logger.Printf("Warning: receive channel is full, dropping %d bytes", n)
		}
	}
}

// writeLoop sends commands to the instrument, CR LF terminated.
func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	logger.Println("Starting serial write loop")

	for {
		select {
		case <-a.stopChan:
			logger.Println("Write loop stopped")
			return
		case cmd, ok := <-a.txChan:
			if !ok {
				logger.Println("Command channel closed")
				return
			}

			p := a.getPort()
			if p == nil {
				logger.Printf("Cannot send command %q: port not open", cmd)
				continue
			}

			if _, err := p.Write([]byte(cmd + "\r\n")); err != nil {
				logger.Printf("Write error: %v", err)
				a.closePort()
				continue
			}

			logger.Printf("Sent command: %q", cmd)
		}
	}
}

// reconnectLoop opens the port at startup and reopens it after failures.
func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()
	logger.Println("Starting serial reconnect loop")

	if err := a.connect(); err != nil {
		logger.Printf("Initial connection failed: %v", err)
	}

	ticker := time.NewTicker(a.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			logger.Println("Reconnect loop stopped")
			return
		case <-ticker.C:
			if !a.isConnected() {
				logger.Println("Attempting to reconnect...")
				if err := a.connect(); err != nil {
					logger.Printf("Reconnection failed: %v", err)
				}
			}
		}
	}
}
