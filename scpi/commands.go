package scpi

import (
	"regexp"
	"sort"
	"strings"
)

// CommandSet bundles the SCPI command strings used to drive one instrument
// family. A zero value is not useful; start from DefaultCommandSet and
// override the model-specific entries.
type CommandSet struct {
	MeasureVoltageDC   string
	MeasureVoltageAC   string
	MeasureCurrentDC   string
	MeasureCurrentAC   string
	MeasureResistance  string
	MeasureContinuity  string
	MeasureDiode       string
	MeasureFrequency   string
	MeasureTemperature string
	MeasureCapacitance string

	Identify     string
	Reset        string
	RemoteEnable string
	RelativeZero string

	// Rate and range selection. An empty string means the model has no
	// known command for that mode and the request is ignored.
	FastRate    string
	NormalRate  string
	AutoRange   string
	ManualRange string

	// Init commands are sent once after the startup handshake, in order.
	Init []string
}

// DefaultCommandSet returns the universal SCPI mnemonics understood by most
// bench multimeters. Unknown device models degrade to this set.
func DefaultCommandSet() CommandSet {
	return CommandSet{
		MeasureVoltageDC:   "MEAS:VOLT:DC?",
		MeasureVoltageAC:   "MEAS:VOLT:AC?",
		MeasureCurrentDC:   "MEAS:CURR:DC?",
		MeasureCurrentAC:   "MEAS:CURR:AC?",
		MeasureResistance:  "MEAS:RES?",
		MeasureContinuity:  "MEAS:CONT?",
		MeasureDiode:       "MEAS:DIOD?",
		MeasureFrequency:   "MEAS:FREQ?",
		MeasureTemperature: "MEAS:TEMP?",
		MeasureCapacitance: "MEAS:CAP?",
		Identify:           "*IDN?",
		Reset:              "*RST",
		RemoteEnable:       "SYST:REM",
		RelativeZero:       "CALC:FUNC NULL",
	}
}

// deviceCommandSets maps model identifiers to their command sets. Built once
// at package load, read-only afterwards.
var deviceCommandSets = map[string]CommandSet{}

func init() {
	// OWON XDM series (XDM1041 and friends). Primary display queries use
	// the short MEAS forms, and the meter supports switchable sampling
	// rates and auto ranging.
	owon := DefaultCommandSet()
	owon.MeasureVoltageDC = "MEAS:VOLT?"
	owon.MeasureCurrentDC = "MEAS:CURR?"
	owon.FastRate = "RATE F"
	owon.NormalRate = "RATE M"
	owon.AutoRange = "AUTO ON"
	owon.ManualRange = "AUTO OFF"
	owon.Init = []string{"RATE F", "RATE?"}
	deviceCommandSets["OWON_XDM"] = owon

	// Keysight/Agilent 34460A. Fast sampling is an integration-time
	// setting rather than a dedicated rate command.
	keysight := DefaultCommandSet()
	keysight.FastRate = "SENS:VOLT:DC:NPLC 0.02"
	keysight.NormalRate = "SENS:VOLT:DC:NPLC 10"
	keysight.AutoRange = "SENS:VOLT:DC:RANG:AUTO ON"
	keysight.ManualRange = "SENS:VOLT:DC:RANG:AUTO OFF"
	keysight.Init = []string{
		"DISP:TEXT:CLE",
		"SENS:VOLT:DC:NPLC 0.02",
		"TRIG:SOUR IMM",
		"TRIG:COUN INF",
	}
	deviceCommandSets["KEYSIGHT_34460A"] = keysight

	rigol := DefaultCommandSet()
	rigol.FastRate = "RATE:VOLT:DC FAST"
	rigol.NormalRate = "RATE:VOLT:DC MEDIUM"
	rigol.Init = []string{
		"RATE:VOLT:DC FAST",
		"RATE:CURR:DC FAST",
		"TRIG:SOUR IMM",
	}
	deviceCommandSets["RIGOL_DM3068"] = rigol

	fluke := DefaultCommandSet()
	fluke.MeasureVoltageDC = "MEAS:VOLT:DC? 10"
	fluke.MeasureCurrentDC = "MEAS:CURR:DC? 1"
	fluke.Init = []string{
		"TRIG:SOUR IMM",
		"TRIG:COUN INF",
		"ZERO:AUTO OFF",
	}
	deviceCommandSets["FLUKE_8845A"] = fluke
}

// CommandSetFor returns the command set for the given device model
// identifier. Unknown models fall back to the generic SCPI set; there is no
// error case.
func CommandSetFor(model string) CommandSet {
	if cs, ok := deviceCommandSets[strings.ToUpper(strings.TrimSpace(model))]; ok {
		return cs
	}
	return DefaultCommandSet()
}

// SupportedModels returns the model identifiers with dedicated command sets,
// sorted for stable log output.
func SupportedModels() []string {
	models := make([]string, 0, len(deviceCommandSets))
	for model := range deviceCommandSets {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// QueryFor maps a measurement function to this set's measurement query.
// FuncUnknown, and any entry left empty, falls back to the bare MEAS? query.
func (cs CommandSet) QueryFor(f MeasurementFunction) string {
	var cmd string
	switch f {
	case FuncVoltageDC:
		cmd = cs.MeasureVoltageDC
	case FuncVoltageAC:
		cmd = cs.MeasureVoltageAC
	case FuncCurrentDC:
		cmd = cs.MeasureCurrentDC
	case FuncCurrentAC:
		cmd = cs.MeasureCurrentAC
	case FuncResistance:
		cmd = cs.MeasureResistance
	case FuncContinuity:
		cmd = cs.MeasureContinuity
	case FuncDiode:
		cmd = cs.MeasureDiode
	case FuncFrequency:
		cmd = cs.MeasureFrequency
	case FuncTemperature:
		cmd = cs.MeasureTemperature
	case FuncCapacitance:
		cmd = cs.MeasureCapacitance
	}
	if cmd == "" {
		return "MEAS?"
	}
	return cmd
}

// RateCommand returns the command selecting the given sampling rate mode
// ("Fast" or "Normal", case-insensitive). Empty when the model has no
// command for that mode.
func (cs CommandSet) RateCommand(mode string) string {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "F", "FAST":
		return cs.FastRate
	case "N", "NORMAL":
		return cs.NormalRate
	}
	return ""
}

// RangeCommand returns the command selecting the given ranging mode ("Auto"
// or "Manual", case-insensitive). Empty when the model has no command for
// that mode.
func (cs CommandSet) RangeCommand(mode string) string {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "A", "AUTO":
		return cs.AutoRange
	case "M", "MANUAL":
		return cs.ManualRange
	}
	return ""
}

// devicePatterns matches identification replies to model identifiers.
var devicePatterns = []struct {
	pattern *regexp.Regexp
	model   string
}{
	{regexp.MustCompile(`(?i)OWON.*XDM`), "OWON_XDM"},
	{regexp.MustCompile(`(?i)Keysight.*34460A|Agilent.*34460A`), "KEYSIGHT_34460A"},
	{regexp.MustCompile(`(?i)Rigol.*DM3068`), "RIGOL_DM3068"},
	{regexp.MustCompile(`(?i)Fluke.*884[05]A`), "FLUKE_8845A"},
}

// DetectModel matches an identification reply against the known vendor
// patterns and returns the model identifier, or "" when nothing matches.
// The match is informational: the active command set is chosen once from
// configuration and is not swapped mid-session.
func DetectModel(idn string) string {
	for _, dp := range devicePatterns {
		if dp.pattern.MatchString(idn) {
			return dp.model
		}
	}
	return ""
}
