package scpi

import (
	"strconv"
	"strings"
)

// MeasurementFunction identifies what quantity the multimeter is measuring.
type MeasurementFunction int

const (
	FuncUnknown MeasurementFunction = iota
	FuncVoltageDC
	FuncVoltageAC
	FuncCurrentDC
	FuncCurrentAC
	FuncResistance
	FuncContinuity
	FuncDiode
	FuncFrequency
	FuncTemperature
	FuncCapacitance
)

var functionNames = map[MeasurementFunction]string{
	FuncVoltageDC:   "DC Voltage",
	FuncVoltageAC:   "AC Voltage",
	FuncCurrentDC:   "DC Current",
	FuncCurrentAC:   "AC Current",
	FuncResistance:  "Resistance",
	FuncContinuity:  "Continuity",
	FuncDiode:       "Diode",
	FuncFrequency:   "Frequency",
	FuncTemperature: "Temperature",
	FuncCapacitance: "Capacitance",
}

var functionUnits = map[MeasurementFunction]string{
	FuncVoltageDC:   "V",
	FuncVoltageAC:   "V",
	FuncCurrentDC:   "A",
	FuncCurrentAC:   "A",
	FuncResistance:  "Ω",
	FuncContinuity:  "Ω",
	FuncDiode:       "V",
	FuncFrequency:   "Hz",
	FuncTemperature: "°C",
	FuncCapacitance: "F",
}

// String returns the human-readable function label.
func (f MeasurementFunction) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return "Unknown"
}

// Unit returns the measurement unit for the function, or "" for FuncUnknown.
func (f MeasurementFunction) Unit() string {
	return functionUnits[f]
}

// functionMarkers is checked in order; the first marker contained in the
// command wins. VOLT:DC must precede the broader markers so that compound
// mnemonics are not claimed by their shorter substrings.
var functionMarkers = []struct {
	marker string
	fn     MeasurementFunction
}{
	{"VOLT:DC", FuncVoltageDC},
	{"VOLT:AC", FuncVoltageAC},
	{"CURR:DC", FuncCurrentDC},
	{"CURR:AC", FuncCurrentAC},
	{"RES", FuncResistance},
	{"CONT", FuncContinuity},
	{"DIOD", FuncDiode},
	{"FREQ", FuncFrequency},
	{"TEMP", FuncTemperature},
	{"CAP", FuncCapacitance},
}

// ParseFunction derives the measurement function from a SCPI command, for
// example "MEAS:RES?" yields FuncResistance. Commands containing none of the
// known markers yield FuncUnknown.
func ParseFunction(cmd string) MeasurementFunction {
	upper := strings.ToUpper(cmd)
	for _, fm := range functionMarkers {
		if strings.Contains(upper, fm.marker) {
			return fm.fn
		}
	}
	return FuncUnknown
}

// ResponseKind tells what an inbound instrument line turned out to be.
type ResponseKind int

const (
	// KindMeasurement is a line that parsed as a numeric reading.
	KindMeasurement ResponseKind = iota
	// KindIdentification is the reply to an identify query.
	KindIdentification
	// KindUnrecognized is any other line, kept verbatim for diagnostics.
	KindUnrecognized
)

// Response is a classified instrument line.
type Response struct {
	Kind  ResponseKind
	Value float64 // set when Kind is KindMeasurement
	Text  string  // the line as received
}

// Classify interprets one framed response line. While expectIdentification
// is set the line is taken as the identification reply whatever it contains,
// since the identify query is always the first command on the wire and the
// instrument answers in order. Callers clear their expectation flag on the
// first KindIdentification result. Afterwards a line is a measurement if it
// parses as a float and unrecognized otherwise.
func Classify(line string, expectIdentification bool) Response {
	if expectIdentification {
		return Response{Kind: KindIdentification, Text: line}
	}
	if value, err := strconv.ParseFloat(strings.TrimSpace(line), 64); err == nil {
		return Response{Kind: KindMeasurement, Value: value, Text: line}
	}
	return Response{Kind: KindUnrecognized, Text: line}
}
