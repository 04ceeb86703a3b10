package dmm

import (
	"testing"
	"time"

	"github.com/cyberglitchlabs/owon-xdm-remote/common"
	"github.com/cyberglitchlabs/owon-xdm-remote/scpi"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type testSession struct {
	s        *Session
	clock    *fakeClock
	rx       chan []byte
	tx       chan string
	readings chan common.Reading
	states   chan common.StateUpdate
	actions  chan common.CommandMessage
}

func newTestSession(cfg Config) *testSession {
	ts := &testSession{
		clock:    &fakeClock{t: time.UnixMilli(0)},
		rx:       make(chan []byte, 16),
		tx:       make(chan string, 64),
		readings: make(chan common.Reading, 16),
		states:   make(chan common.StateUpdate, 16),
		actions:  make(chan common.CommandMessage, 16),
	}
	ts.s = NewSession(cfg, ts.rx, ts.tx, ts.readings, ts.states, ts.actions)
	ts.s.now = ts.clock.now
	return ts
}

// drainTx collects every command already handed to the transport.
func (ts *testSession) drainTx() []string {
	var cmds []string
	for {
		select {
		case cmd := <-ts.tx:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

// drainStates collects every pending state update.
func (ts *testSession) drainStates() []common.StateUpdate {
	var updates []common.StateUpdate
	for {
		select {
		case u := <-ts.states:
			updates = append(updates, u)
		default:
			return updates
		}
	}
}

func findState(updates []common.StateUpdate, kind common.StateKind) (common.StateUpdate, bool) {
	for _, u := range updates {
		if u.Kind == kind {
			return u, true
		}
	}
	return common.StateUpdate{}, false
}

func TestStartupSequenceOwon(t *testing.T) {
	ts := newTestSession(DefaultConfig())

	ts.s.startup()

	expected := []string{"*IDN?", "*RST", "SYST:REM", "RATE F", "RATE?"}
	cmds := ts.drainTx()

	if len(cmds) != len(expected) {
		t.Fatalf("Expected %d startup commands, got %d: %v", len(expected), len(cmds), cmds)
	}
	for i, want := range expected {
		if cmds[i] != want {
			t.Errorf("Startup command %d: expected %q, got %q", i, want, cmds[i])
		}
	}
}

func TestStartupSequenceGenericModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = "ACME_9000"
	cfg.ExtraInitCommands = []string{"DISP:TEXT 'hi'"}
	ts := newTestSession(cfg)

	ts.s.startup()

	expected := []string{"*IDN?", "*RST", "SYST:REM", "DISP:TEXT 'hi'"}
	cmds := ts.drainTx()

	if len(cmds) != len(expected) {
		t.Fatalf("Expected %d startup commands, got %d: %v", len(expected), len(cmds), cmds)
	}
	for i, want := range expected {
		if cmds[i] != want {
			t.Errorf("Startup command %d: expected %q, got %q", i, want, cmds[i])
		}
	}
}

func TestFirstLineIsIdentification(t *testing.T) {
	ts := newTestSession(DefaultConfig())

	// Even a purely numeric first line must be routed to identification.
	ts.s.handleLine("6500")

	updates := ts.drainStates()
	idn, ok := findState(updates, common.StateIdentification)
	if !ok {
		t.Fatalf("Expected an identification update, got %v", updates)
	}
	if idn.Text != "6500" {
		t.Errorf("Expected identification text %q, got %q", "6500", idn.Text)
	}
	if status, ok := findState(updates, common.StateStatus); !ok || status.Text != common.StatusOnline {
		t.Errorf("Expected online status alongside first line, got %v", updates)
	}

	// The expectation is one-shot: the same text now parses as a reading.
	ts.s.handleLine("6500")
	select {
	case reading := <-ts.readings:
		if reading.Value != 6500 {
			t.Errorf("Expected reading 6500, got %v", reading.Value)
		}
	default:
		t.Fatal("Expected a measurement after identification was consumed")
	}
}

func TestIdentificationDetectsModel(t *testing.T) {
	ts := newTestSession(DefaultConfig())

	ts.s.handleLine("OWON,XDM1041,21000000,V1.0.0")

	updates := ts.drainStates()
	idn, ok := findState(updates, common.StateIdentification)
	if !ok || idn.Text != "OWON,XDM1041,21000000,V1.0.0" {
		t.Fatalf("Expected the raw identification to be published untouched, got %v", updates)
	}
	model, ok := findState(updates, common.StateModel)
	if !ok {
		t.Fatalf("Expected a detected model update, got %v", updates)
	}
	if model.Text != "OWON_XDM" {
		t.Errorf("Expected detected model %q, got %q", "OWON_XDM", model.Text)
	}
}

func TestIdentificationWithoutKnownModel(t *testing.T) {
	ts := newTestSession(DefaultConfig())

	ts.s.handleLine("ACME,M1,0,V0.1")

	updates := ts.drainStates()
	if _, ok := findState(updates, common.StateIdentification); !ok {
		t.Fatalf("Expected an identification update, got %v", updates)
	}
	if _, ok := findState(updates, common.StateModel); ok {
		t.Error("Expected no model update when the identification matches nothing")
	}
}

func TestIdentificationPublishesDetectedModelOnMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = "KEYSIGHT_34460A"
	ts := newTestSession(cfg)

	ts.s.handleLine("OWON,XDM1041,21000000,V1.0.0")

	model, ok := findState(ts.drainStates(), common.StateModel)
	if !ok || model.Text != "OWON_XDM" {
		t.Fatalf("Expected the detected model to be published regardless of configuration, got %v", model)
	}
	// The command set chosen at construction stays active.
	if ts.s.cmdset.FastRate != "SENS:VOLT:DC:NPLC 0.02" {
		t.Errorf("Expected the configured command set to stay active, got fast rate %q", ts.s.cmdset.FastRate)
	}
}

func TestHandleLineClassification(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.function = scpi.FuncVoltageDC

	ts.s.handleLine("1.234567E-03")

	select {
	case reading := <-ts.readings:
		if reading.Value != 0.001234567 {
			t.Errorf("Expected value 0.001234567, got %v", reading.Value)
		}
		if reading.Function != "DC Voltage" {
			t.Errorf("Expected function label %q, got %q", "DC Voltage", reading.Function)
		}
		if reading.Unit != "V" {
			t.Errorf("Expected unit V, got %q", reading.Unit)
		}
		if reading.Raw != "1.234567E-03" {
			t.Errorf("Expected raw line preserved, got %q", reading.Raw)
		}
	default:
		t.Fatal("Expected a reading to be published")
	}

	// Non-numeric lines surface as diagnostics, never as readings.
	ts.s.handleLine("OVERLOAD")
	if _, ok := findState(ts.drainStates(), common.StateDiagnostic); !ok {
		t.Error("Expected a diagnostic update for a non-numeric line")
	}
	select {
	case reading := <-ts.readings:
		t.Errorf("Unexpected reading for non-numeric line: %v", reading)
	default:
	}
}

func TestSetFunctionChangesPollQuery(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.lastPoll = ts.clock.now()

	ts.s.setFunction("MEAS:VOLT:AC?")

	cmds := ts.drainTx()
	if len(cmds) != 1 || cmds[0] != "MEAS:VOLT:AC?" {
		t.Fatalf("Expected the label to be sent verbatim, got %v", cmds)
	}
	if fn, ok := findState(ts.drainStates(), common.StateFunction); !ok || fn.Text != "AC Voltage" {
		t.Errorf("Expected function update %q, got %v", "AC Voltage", fn)
	}

	// The next due poll must use the AC voltage query of the model.
	ts.clock.advance(150 * time.Millisecond)
	ts.s.maybePoll()
	cmds = ts.drainTx()
	if len(cmds) != 1 || cmds[0] != "MEAS:VOLT:AC?" {
		t.Fatalf("Expected poll %q, got %v", "MEAS:VOLT:AC?", cmds)
	}
}

func TestPollUsesGenericQueryForUnknownFunction(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.lastPoll = ts.clock.now()

	ts.clock.advance(150 * time.Millisecond)
	ts.s.maybePoll()

	cmds := ts.drainTx()
	if len(cmds) != 1 || cmds[0] != "MEAS?" {
		t.Fatalf("Expected generic MEAS? poll for unknown function, got %v", cmds)
	}
}

func TestPollRearmsFromLastPoll(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.lastPoll = ts.clock.now()

	// Not yet due: nothing goes out.
	ts.clock.advance(50 * time.Millisecond)
	ts.s.maybePoll()
	if cmds := ts.drainTx(); len(cmds) != 0 {
		t.Fatalf("Expected no poll before the interval elapsed, got %v", cmds)
	}

	ts.clock.advance(50 * time.Millisecond)
	ts.s.maybePoll()
	if cmds := ts.drainTx(); len(cmds) != 1 {
		t.Fatalf("Expected exactly one poll, got %v", cmds)
	}

	// Immediately after a poll nothing is due.
	ts.s.maybePoll()
	if cmds := ts.drainTx(); len(cmds) != 0 {
		t.Fatalf("Expected no double fire within one interval, got %v", cmds)
	}
}

func TestPollDue(t *testing.T) {
	base := time.UnixMilli(0)
	interval := 100 * time.Millisecond

	if !pollDue(base.Add(150*time.Millisecond), base, interval) {
		t.Error("Expected poll due at 150ms since last poll")
	}
	if pollDue(base.Add(50*time.Millisecond), base, interval) {
		t.Error("Expected poll not due at 50ms since last poll")
	}
	if !pollDue(base.Add(100*time.Millisecond), base, interval) {
		t.Error("Expected poll due exactly at the interval boundary")
	}
}

func TestSkipFirstReadingAfterFunctionChange(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false

	ts.s.setFunction("MEAS:RES?")
	ts.drainTx()
	ts.drainStates()

	// The first reading after a function change is a settling artifact.
	ts.s.handleLine("42.5")
	select {
	case reading := <-ts.readings:
		t.Fatalf("Expected first reading after function change to be dropped, got %v", reading)
	default:
	}

	ts.s.handleLine("42.5")
	select {
	case reading := <-ts.readings:
		if reading.Value != 42.5 || reading.Function != "Resistance" || reading.Unit != "Ω" {
			t.Errorf("Unexpected reading after settling: %+v", reading)
		}
	default:
		t.Fatal("Expected the second reading to be published")
	}
}

func TestSkipDisabledByConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipAfterFunctionChange = false
	ts := newTestSession(cfg)
	ts.s.awaitingIdentification = false

	ts.s.setFunction("MEAS:RES?")
	ts.s.handleLine("42.5")

	select {
	case reading := <-ts.readings:
		if reading.Value != 42.5 {
			t.Errorf("Expected reading 42.5, got %v", reading.Value)
		}
	default:
		t.Fatal("Expected the first reading to pass with skipping disabled")
	}
}

func TestHandleActions(t *testing.T) {
	tests := []struct {
		name     string
		msg      common.CommandMessage
		expected []string
	}{
		{
			name:     "reset",
			msg:      common.CommandMessage{Action: common.ActionReset},
			expected: []string{"*RST"},
		},
		{
			name:     "relative zero",
			msg:      common.CommandMessage{Action: common.ActionZero},
			expected: []string{"CALC:FUNC NULL"},
		},
		{
			name:     "set range auto",
			msg:      common.CommandMessage{Action: common.ActionSetRange, Value: "Auto"},
			expected: []string{"AUTO ON"},
		},
		{
			name:     "set range manual",
			msg:      common.CommandMessage{Action: common.ActionSetRange, Value: "Manual"},
			expected: []string{"AUTO OFF"},
		},
		{
			name:     "set rate fast",
			msg:      common.CommandMessage{Action: common.ActionSetRate, Value: "Fast"},
			expected: []string{"RATE F"},
		},
		{
			name:     "set rate unknown mode",
			msg:      common.CommandMessage{Action: common.ActionSetRate, Value: "Turbo"},
			expected: nil,
		},
		{
			name:     "raw command passthrough",
			msg:      common.CommandMessage{Action: common.ActionCommand, Value: "SYST:ERR?"},
			expected: []string{"SYST:ERR?"},
		},
		{
			name:     "unknown action",
			msg:      common.CommandMessage{Action: "selfdestruct"},
			expected: nil,
		},
		{
			name:     "empty raw command",
			msg:      common.CommandMessage{Action: common.ActionCommand, Value: "  "},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestSession(DefaultConfig())
			ts.s.awaitingIdentification = false

			ts.s.handleAction(tt.msg)

			cmds := ts.drainTx()
			if len(cmds) != len(tt.expected) {
				t.Fatalf("Expected commands %v, got %v", tt.expected, cmds)
			}
			for i, want := range tt.expected {
				if cmds[i] != want {
					t.Errorf("Command %d: expected %q, got %q", i, want, cmds[i])
				}
			}
		})
	}
}

func TestRawConfigCommandSkipsNextReading(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false

	ts.s.handleAction(common.CommandMessage{Action: common.ActionCommand, Value: "CONF:RES 2E4"})
	ts.drainTx()

	ts.s.handleLine("19999.8")
	select {
	case reading := <-ts.readings:
		t.Fatalf("Expected reading after CONF command to be dropped, got %v", reading)
	default:
	}

	ts.s.handleLine("19999.8")
	select {
	case <-ts.readings:
	default:
		t.Fatal("Expected the second reading to be published")
	}
}

func TestZeroIgnoredWithoutCommand(t *testing.T) {
	cfg := DefaultConfig()
	ts := newTestSession(cfg)
	ts.s.awaitingIdentification = false
	ts.s.cmdset.RelativeZero = ""

	ts.s.handleAction(common.CommandMessage{Action: common.ActionZero})

	if cmds := ts.drainTx(); len(cmds) != 0 {
		t.Fatalf("Expected no command for unsupported zero, got %v", cmds)
	}
}

func TestDuplicateCommandSuppression(t *testing.T) {
	ts := newTestSession(DefaultConfig())

	ts.s.send("RATE F")
	ts.s.send("RATE F") // inside the dedup window

	if cmds := ts.drainTx(); len(cmds) != 1 {
		t.Fatalf("Expected duplicate within window to be suppressed, got %v", cmds)
	}

	ts.clock.advance(25 * time.Millisecond)
	ts.s.send("RATE F")
	if cmds := ts.drainTx(); len(cmds) != 1 {
		t.Fatalf("Expected resend after the window, got %v", cmds)
	}
}

func TestOfflineAfterSilentPolls(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.lastPoll = ts.clock.now()

	ts.clock.advance(100 * time.Millisecond)
	ts.s.maybePoll()
	if _, ok := findState(ts.drainStates(), common.StateStatus); ok {
		t.Fatal("Expected no status change after a single silent poll")
	}

	ts.clock.advance(100 * time.Millisecond)
	ts.s.maybePoll()
	status, ok := findState(ts.drainStates(), common.StateStatus)
	if !ok || status.Text != common.StatusOffline {
		t.Fatalf("Expected offline after two silent polls, got %v", status)
	}

	// Any inbound line flips the instrument back to online.
	ts.s.handleLine("0.001")
	status, ok = findState(ts.drainStates(), common.StateStatus)
	if !ok || status.Text != common.StatusOnline {
		t.Fatalf("Expected online after a line arrived, got %v", status)
	}
}

func TestAnsweredPollsStayOnline(t *testing.T) {
	ts := newTestSession(DefaultConfig())
	ts.s.awaitingIdentification = false
	ts.s.lastPoll = ts.clock.now()

	for i := 0; i < 5; i++ {
		ts.clock.advance(100 * time.Millisecond)
		ts.s.maybePoll()
		ts.s.handleLine("1.0")
	}

	updates := ts.drainStates()
	if status, ok := findState(updates, common.StateStatus); !ok || status.Text != common.StatusOnline {
		t.Fatalf("Expected a single online status, got %v", updates)
	}
	// Status is published on change only, not per line.
	count := 0
	for _, u := range updates {
		if u.Kind == common.StateStatus {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one status update, got %d", count)
	}
}

func TestSessionLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	rx := make(chan []byte, 16)
	tx := make(chan string, 64)
	readings := make(chan common.Reading, 16)
	states := make(chan common.StateUpdate, 16)
	actions := make(chan common.CommandMessage, 16)

	s := NewSession(cfg, rx, tx, readings, states, actions)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	expected := []string{"*IDN?", "*RST", "SYST:REM", "RATE F", "RATE?"}
	for _, want := range expected {
		select {
		case got := <-tx:
			if got != want {
				t.Errorf("Expected startup command %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for startup command %q", want)
		}
	}

	rx <- []byte("OWON,XDM1041,2128999,V2.1.0\r\n")

	deadline := time.After(time.Second)
	gotIdentification := false
	for !gotIdentification {
		select {
		case u := <-states:
			if u.Kind == common.StateIdentification {
				if u.Text != "OWON,XDM1041,2128999,V2.1.0" {
					t.Errorf("Unexpected identification text %q", u.Text)
				}
				gotIdentification = true
			}
		case <-deadline:
			t.Fatal("Timed out waiting for identification update")
		}
	}

	// A remote action delivered through the channel reaches the wire.
	actions <- common.CommandMessage{Action: common.ActionSetRate, Value: "Normal"}
	deadline = time.After(time.Second)
	for {
		var cmd string
		select {
		case cmd = <-tx:
		case <-deadline:
			t.Fatal("Timed out waiting for RATE M")
		}
		if cmd == "RATE M" {
			break
		}
		// Poll queries may interleave; skip them.
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
