package dmm

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cyberglitchlabs/owon-xdm-remote/common"
	"github.com/cyberglitchlabs/owon-xdm-remote/scpi"
)

var logger = log.New(os.Stdout, "[DMM-Session] ", log.LstdFlags|log.Lshortfile)

// Config holds the instrument session settings.
type Config struct {
	Model                   string        `yaml:"model"`                      // device model identifier, e.g. "OWON_XDM"
	PollInterval            time.Duration `yaml:"poll_interval"`              // measurement query period
	SkipAfterFunctionChange bool          `yaml:"skip_after_function_change"` // drop the first reading after a function or config change
	SilentPollLimit         int           `yaml:"silent_poll_limit"`          // consecutive unanswered polls before the instrument counts as offline, 0 disables
	DedupWindow             time.Duration `yaml:"dedup_window"`               // identical commands inside this window are sent once, 0 disables
	ExtraInitCommands       []string      `yaml:"extra_init_commands"`        // sent after the model init sequence
	TrackPending            bool          `yaml:"track_pending"`              // enable the pending query tracker (diagnostics only)
	PendingLimit            int           `yaml:"pending_limit"`              // max tracked in-flight queries
	PendingTTL              time.Duration `yaml:"pending_ttl"`                // age after which an unanswered query is presumed lost
}

// DefaultConfig returns the session configuration for an OWON XDM on defaults.
func DefaultConfig() Config {
	return Config{
		Model:                   "OWON_XDM",
		PollInterval:            100 * time.Millisecond,
		SkipAfterFunctionChange: true,
		SilentPollLimit:         2,
		DedupWindow:             20 * time.Millisecond,
		TrackPending:            false,
		PendingLimit:            8,
		PendingTTL:              2 * time.Second,
	}
}

// Session drives one SCPI multimeter: it issues the startup handshake, polls
// the current measurement function, frames and classifies everything the
// instrument sends back, and executes remote actions. All state lives on the
// single session goroutine; inputs arrive only through channels, so no lock
// guards SessionState.
type Session struct {
	config Config
	cmdset scpi.CommandSet

	rxChan       <-chan []byte                // raw bytes from the serial adapter
	txChan       chan<- string                // commands to the serial adapter
	readingsChan chan<- common.Reading        // decoded measurements out
	statesChan   chan<- common.StateUpdate    // function/idn/model/status/diagnostic text out
	actionsChan  <-chan common.CommandMessage // remote actions in

	framer                 scpi.LineFramer
	function               scpi.MeasurementFunction
	awaitingIdentification bool
	skipNextReading        bool
	gotLineSincePoll       bool
	silentPolls            int
	status                 string
	lastPoll               time.Time
	lastCmd                string
	lastCmdAt              time.Time
	pending                *pendingQueries

	now      func() time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSession creates an instrument session. The command set is looked up
// once from the configured model and kept for the session's lifetime.
func NewSession(config Config, rxChan <-chan []byte, txChan chan<- string,
	readingsChan chan<- common.Reading, statesChan chan<- common.StateUpdate,
	actionsChan <-chan common.CommandMessage) *Session {

	if config.PollInterval <= 0 {
		logger.Printf("Poll interval %v is not usable, falling back to default", config.PollInterval)
		config.PollInterval = DefaultConfig().PollInterval
	}

	models := scpi.SupportedModels()
	known := false
	for _, m := range models {
		if strings.EqualFold(strings.TrimSpace(config.Model), m) {
			known = true
			break
		}
	}
	if !known {
		logger.Printf("No dedicated command set for model %q, using generic SCPI commands (known models: %v)", config.Model, models)
	}

	s := &Session{
		config:                 config,
		cmdset:                 scpi.CommandSetFor(config.Model),
		rxChan:                 rxChan,
		txChan:                 txChan,
		readingsChan:           readingsChan,
		statesChan:             statesChan,
		actionsChan:            actionsChan,
		awaitingIdentification: true,
		now:                    time.Now,
		stopChan:               make(chan struct{}),
	}
	if config.TrackPending {
		s.pending = newPendingQueries(config.PendingLimit, config.PendingTTL)
	}
	return s
}

// Start launches the session goroutine.
func (s *Session) Start() error {
	logger.Printf("Starting instrument session for model %s (poll every %v)", s.config.Model, s.config.PollInterval)

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop terminates the session goroutine and waits for it to finish.
func (s *Session) Stop() error {
	logger.Println("Stopping instrument session...")
	close(s.stopChan)
	s.wg.Wait()
	logger.Println("Instrument session stopped")
	return nil
}

// run is the single event loop owning all session state.
func (s *Session) run() {
	defer s.wg.Done()

	s.startup()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			logger.Println("Session loop stopped")
			return
		case chunk, ok := <-s.rxChan:
			if !ok {
				logger.Println("Receive channel closed, session loop stopped")
				return
			}
			for _, c := range chunk {
				if line, done := s.framer.Feed(c); done {
					s.handleLine(line)
				}
			}
		case msg, ok := <-s.actionsChan:
			if !ok {
				logger.Println("Actions channel closed, session loop stopped")
				return
			}
			s.handleAction(msg)
		case <-ticker.C:
			s.maybePoll()
		}
	}
}

// startup issues the fixed handshake: identify, reset, remote enable, then
// the model init commands in their declared order. Everything is fire and
// forget; replies come back through the normal receive path, and the first
// line is consumed as the identification answer whatever it contains.
func (s *Session) startup() {
	s.send(s.cmdset.Identify)
	s.send(s.cmdset.Reset)
	s.send(s.cmdset.RemoteEnable)
	for _, cmd := range s.cmdset.Init {
		s.send(cmd)
	}
	for _, cmd := range s.config.ExtraInitCommands {
		s.send(cmd)
	}
	s.setStatus(common.StatusOnline)
	s.lastPoll = s.now()
}

// handleLine classifies one framed response line and publishes the result.
func (s *Session) handleLine(line string) {
	s.gotLineSincePoll = true
	s.silentPolls = 0
	s.setStatus(common.StatusOnline)
	if s.pending != nil {
		s.pending.match(line, s.now())
	}

	resp := scpi.Classify(line, s.awaitingIdentification)
	switch resp.Kind {
	case scpi.KindIdentification:
		s.awaitingIdentification = false
		logger.Printf("Instrument identification: %q", line)
		s.publishState(common.StateIdentification, line)
		if model := scpi.DetectModel(line); model != "" {
			logger.Printf("Identification matches model %s", model)
			if !strings.EqualFold(model, strings.TrimSpace(s.config.Model)) {
				logger.Printf("Configured model is %s, keeping its command set", s.config.Model)
			}
			s.publishState(common.StateModel, model)
		} else {
			logger.Println("Identification matches no known model pattern")
		}
	case scpi.KindMeasurement:
		if s.skipNextReading {
			s.skipNextReading = false
			logger.Printf("Dropping first reading after function change: %q", line)
			return
		}
		s.publishReading(resp.Value, line)
	default:
		// Echoes, error strings and status text land here. Never fatal.
		logger.Printf("Unrecognized response: %q", line)
		s.publishState(common.StateDiagnostic, line)
	}
}

// handleAction executes one remote action. Actions are fire and forget: no
// reply is awaited and nothing blocks the loop.
func (s *Session) handleAction(msg common.CommandMessage) {
	logger.Printf("Remote action %q (value %q)", msg.Action, msg.Value)

	switch msg.Action {
	case common.ActionReset:
		s.send(s.cmdset.Reset)
	case common.ActionZero:
		if s.cmdset.RelativeZero == "" {
			logger.Printf("Model %s has no relative zero command, ignoring", s.config.Model)
			return
		}
		s.send(s.cmdset.RelativeZero)
	case common.ActionSetFunction:
		s.setFunction(msg.Value)
	case common.ActionSetRange:
		cmd := s.cmdset.RangeCommand(msg.Value)
		if cmd == "" {
			logger.Printf("Model %s has no range command for mode %q, ignoring", s.config.Model, msg.Value)
			return
		}
		s.send(cmd)
	case common.ActionSetRate:
		cmd := s.cmdset.RateCommand(msg.Value)
		if cmd == "" {
			logger.Printf("Model %s has no rate command for mode %q, ignoring", s.config.Model, msg.Value)
			return
		}
		s.send(cmd)
	case common.ActionCommand:
		s.sendRaw(msg.Value)
	default:
		logger.Printf("Unknown action %q ignored", msg.Action)
	}
}

// setFunction sends the label verbatim as a command and re-derives the
// current measurement function from it. Observers get the parsed
// human-readable name; an unparseable label degrades to Unknown, which
// still polls with the generic query.
func (s *Session) setFunction(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		logger.Println("Empty function label ignored")
		return
	}

	s.send(label)
	s.function = scpi.ParseFunction(label)
	if s.config.SkipAfterFunctionChange {
		s.skipNextReading = true
	}
	s.publishState(common.StateFunction, s.function.String())
	logger.Printf("Measurement function set to %s", s.function)
}

// sendRaw passes a command through untouched. Configuration commands make
// the meter answer the next query with a settling value, so the first
// reading after them is dropped.
func (s *Session) sendRaw(cmd string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		logger.Println("Empty raw command ignored")
		return
	}

	if s.config.SkipAfterFunctionChange {
		upper := strings.ToUpper(cmd)
		for _, prefix := range []string{"FUNC", "CONF", "SENS"} {
			if strings.HasPrefix(upper, prefix) {
				s.skipNextReading = true
				break
			}
		}
	}
	s.send(cmd)
}

// maybePoll sends the current measurement query when the interval since the
// last poll has elapsed, and counts unanswered polls for offline detection.
func (s *Session) maybePoll() {
	now := s.now()
	if !pollDue(now, s.lastPoll, s.config.PollInterval) {
		return
	}

	if !s.gotLineSincePoll {
		s.silentPolls++
		if s.config.SilentPollLimit > 0 && s.silentPolls >= s.config.SilentPollLimit {
			s.setStatus(common.StatusOffline)
		}
	}
	s.gotLineSincePoll = false

	s.send(s.cmdset.QueryFor(s.function))
	s.lastPoll = now
}

// pollDue reports whether a poll is due. The schedule rearms from the last
// poll time, so a late tick shifts the next poll instead of causing a
// catch-up burst.
func pollDue(now, lastPoll time.Time, interval time.Duration) bool {
	return now.Sub(lastPoll) >= interval
}

// send hands one command to the transport. Identical commands inside the
// dedup window collapse into a single send, which absorbs remote
// double-fires.
func (s *Session) send(cmd string) {
	if cmd == "" {
		return
	}

	now := s.now()
	if s.config.DedupWindow > 0 && cmd == s.lastCmd && now.Sub(s.lastCmdAt) < s.config.DedupWindow {
		logger.Printf("Suppressing duplicate command within %v: %q", s.config.DedupWindow, cmd)
		return
	}
	s.lastCmd = cmd
	s.lastCmdAt = now

	if s.pending != nil && strings.HasSuffix(cmd, "?") {
		s.pending.push(cmd, now)
	}

	select {
	case s.txChan <- cmd:
	case <-s.stopChan:
	}
}

// setStatus publishes the availability state only when it changes.
func (s *Session) setStatus(status string) {
	if s.status == status {
		return
	}
	s.status = status
	logger.Printf("Instrument is %s", status)
	s.publishState(common.StateStatus, status)
}

func (s *Session) publishReading(value float64, raw string) {
	reading := common.Reading{
		Function:  s.function.String(),
		Value:     value,
		Unit:      s.function.Unit(),
		Raw:       raw,
		Timestamp: s.now(),
	}

	select {
	case s.readingsChan <- reading:
	default:
		logger.Printf("Warning: readings channel is full, dropping value %g", value)
	}
}

func (s *Session) publishState(kind common.StateKind, text string) {
	update := common.StateUpdate{
		Kind:      kind,
		Text:      text,
		Timestamp: s.now(),
	}

	select {
	case s.statesChan <- update:
	default:
		logger.Printf("Warning: states channel is full, dropping %s update", kind)
	}
}
