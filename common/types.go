package common

import "time"

// Reading is a decoded numeric measurement taken from the instrument.
type Reading struct {
	Function  string    `json:"function"`  // measurement function label (e.g. "DC Voltage")
	Value     float64   `json:"value"`     // parsed measurement value
	Unit      string    `json:"unit"`      // unit for the function (e.g. "V")
	Raw       string    `json:"raw"`       // response line as received, for debugging
	Timestamp time.Time `json:"timestamp"`
}

// StateKind names the non-numeric state channels the instrument exposes.
type StateKind string

const (
	StateFunction       StateKind = "function"       // current measurement function label
	StateIdentification StateKind = "identification" // *IDN? reply
	StateModel          StateKind = "model"          // model detected from the identification reply
	StateStatus         StateKind = "status"         // "online" / "offline"
	StateDiagnostic     StateKind = "diagnostic"     // unrecognized response lines, device text
)

// StateUpdate is a text-valued state change published to observers.
type StateUpdate struct {
	Kind      StateKind `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Availability states published on the status channel.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Remote action names accepted on the command topic.
const (
	ActionReset       = "reset"
	ActionZero        = "zero"
	ActionSetFunction = "set_function"
	ActionSetRange    = "set_range"
	ActionSetRate     = "set_rate"
	ActionCommand     = "command" // raw SCPI passthrough
)

// CommandMessage is an incoming remote action request.
type CommandMessage struct {
	Action        string `json:"action"`                   // one of the Action* constants
	Value         string `json:"value,omitempty"`          // function label, range/rate mode, or raw SCPI text
	CorrelationID string `json:"correlation_id,omitempty"` // set by the caller for its own request tracking
}
