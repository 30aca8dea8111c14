package souliss

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Typical codes. A typical is the device logic occupying one or more
// consecutive slots of a node.
const (
	TypicalEmpty   byte = 0x00
	TypicalRelated byte = 0xff // slot 2+ of a multi-slot typical

	T11 byte = 0x11 // on/off
	T12 byte = 0x12 // on/off with auto mode
	T13 byte = 0x13 // digital input
	T14 byte = 0x14 // pulse output
	T16 byte = 0x16 // RGB light
	T18 byte = 0x18 // on/off with feedback
	T19 byte = 0x19 // single colour dimmer
	T1A byte = 0x1a // digital input pass-through
	T21 byte = 0x21 // motorised device with limit switches
	T22 byte = 0x22 // motorised device without limit switches
	T31 byte = 0x31 // temperature control
	T41 byte = 0x41 // anti-theft main
	T42 byte = 0x42 // anti-theft peer
	T51 byte = 0x51 // analog input, half float
	T52 byte = 0x52 // temperature sensor
	T53 byte = 0x53 // humidity sensor
	T54 byte = 0x54 // light sensor
	T55 byte = 0x55 // voltage
	T56 byte = 0x56 // current
	T57 byte = 0x57 // power
	T58 byte = 0x58 // pressure
	T61 byte = 0x61 // analog setpoint, half float
	T62 byte = 0x62 // temperature setpoint
	T63 byte = 0x63 // humidity setpoint
	T64 byte = 0x64 // light setpoint
	T65 byte = 0x65 // voltage setpoint
	T66 byte = 0x66 // current setpoint
	T67 byte = 0x67 // power setpoint
	T68 byte = 0x68 // pressure setpoint
)

// T1n commands and states.
const (
	T1nToggleCmd   byte = 0x01
	T1nOnCmd       byte = 0x02
	T1nOffCmd      byte = 0x04
	T1nAutoCmd     byte = 0x08
	T1nBrightUp    byte = 0x10
	T1nBrightDown  byte = 0x20
	T1nSetCmd      byte = 0x22
	T1nOffCoil     byte = 0x00
	T1nOnCoil      byte = 0x01
	T1nOnFeedback  byte = 0x23
	T1nOffFeedback byte = 0x24
	T1nOffCoilAuto byte = 0xf0
	T1nOnCoilAuto  byte = 0xf1
)

// T2n commands and states.
const (
	T2nCloseCmd       byte = 0x01
	T2nOpenCmd        byte = 0x02
	T2nStopCmd        byte = 0x04
	T2nToggleCmd      byte = 0x08
	T2nCoilOff        byte = 0x00
	T2nCoilClose      byte = 0x01
	T2nCoilOpen       byte = 0x02
	T2nCoilStop       byte = 0x03
	T2nLimSwitchClose byte = 0x08
	T2nTimerOff       byte = 0x0a
	T2nStateOpen      byte = 0x12
	T2nStateClose     byte = 0x14
	T2nLimSwitchOpen  byte = 0x10
	T2nNoLimSwitch    byte = 0x20
)

// T3n commands.
const (
	T3nInSetPoint  byte = 0x01
	T3nOutSetPoint byte = 0x02
	T3nAsMeasured  byte = 0x03
	T3nCooling     byte = 0x04
	T3nHeating     byte = 0x05
	T3nFanOff      byte = 0x06
	T3nFanLow      byte = 0x07
	T3nFanMed      byte = 0x08
	T3nFanHigh     byte = 0x09
	T3nFanAuto     byte = 0x0a
	T3nFanManual   byte = 0x0b
	T3nShutDown    byte = 0x0d
)

// T4n commands and states.
const (
	T4nNoAntitheft byte = 0x00
	T4nAntitheft   byte = 0x01
	T4nAlarm       byte = 0x01
	T4nInAlarm     byte = 0x03
	T4nReArm       byte = 0x03
	T4nNotArmed    byte = 0x04
	T4nArmed       byte = 0x05
)

// DecodedState is the decoded value of a typical, keyed by attribute
// ("on", "level", "value", ...). The raw head byte is always present under
// "raw".
type DecodedState map[string]any

// ForceCommand is a typical command translated to force frame bytes.
type ForceCommand struct {
	// Offset is the slot of the command byte relative to the typical's
	// first slot.
	Offset int

	Command byte
	Extra   []byte
}

// TypicalSpec describes how one typical is decoded and commanded.
type TypicalSpec struct {
	Code byte
	Name string

	// SlotWidth is the number of state bytes the typical occupies.
	SlotWidth int

	// Decode interprets SlotWidth state bytes. ok is false when nothing
	// usable was carried (unknown state value, NaN reading).
	Decode func(b []byte) (state DecodedState, ok bool)

	// Expected predicts the raw head byte after cmd is executed. Nil or
	// ok == false means the command has no verifiable outcome.
	Expected func(cmd byte) (state byte, ok bool)

	// Command translates a named command into force frame bytes. Nil for
	// read-only typicals.
	Command func(name string, params map[string]any) (ForceCommand, error)
}

// TypicalTable is a registry of typical specs keyed by code.
// It is safe for concurrent use.
type TypicalTable struct {
	mu    sync.RWMutex
	specs map[byte]TypicalSpec
}

// NewTypicalTable returns an empty table.
func NewTypicalTable() *TypicalTable {
	return &TypicalTable{specs: make(map[byte]TypicalSpec)}
}

// Register adds or replaces a spec.
func (t *TypicalTable) Register(spec TypicalSpec) error {
	if spec.Code == TypicalEmpty || spec.Code == TypicalRelated {
		return fmt.Errorf("%w: reserved code 0x%02X", ErrUnknownTypical, spec.Code)
	}
	if spec.SlotWidth < 1 || spec.Decode == nil {
		return fmt.Errorf("%w: 0x%02X needs a slot width and decoder", ErrUnknownTypical, spec.Code)
	}

	t.mu.Lock()
	t.specs[spec.Code] = spec
	t.mu.Unlock()
	return nil
}

// Lookup returns the spec registered for code.
func (t *TypicalTable) Lookup(code byte) (TypicalSpec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	spec, ok := t.specs[code]
	return spec, ok
}

// Codes returns the registered codes in ascending order.
func (t *TypicalTable) Codes() []byte {
	t.mu.RLock()
	codes := make([]byte, 0, len(t.specs))
	for c := range t.specs {
		codes = append(codes, c)
	}
	t.mu.RUnlock()

	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// DefaultTypicals returns a table populated with every typical the bridge
// understands.
func DefaultTypicals() *TypicalTable {
	t := NewTypicalTable()
	for _, spec := range defaultSpecs() {
		//nolint:errcheck // built-in specs are valid
		t.Register(spec)
	}
	return t
}

func defaultSpecs() []TypicalSpec {
	specs := []TypicalSpec{
		{Code: T11, Name: "switch", SlotWidth: 1, Decode: decodeOnOff, Expected: expectOnOff, Command: commandOnOff},
		{Code: T12, Name: "switch_auto", SlotWidth: 1, Decode: decodeAutoMode, Expected: expectOnOff, Command: commandAutoMode},
		{Code: T13, Name: "digital_input", SlotWidth: 1, Decode: decodeInput},
		{Code: T14, Name: "pulse", SlotWidth: 1, Decode: decodeOnOff, Command: commandPulse},
		{Code: T16, Name: "rgb_light", SlotWidth: 4, Decode: decodeRGB, Expected: expectOnOff, Command: commandRGB},
		{Code: T18, Name: "switch_feedback", SlotWidth: 1, Decode: decodeOnOff, Expected: expectOnOff, Command: commandOnOff},
		{Code: T19, Name: "dimmer", SlotWidth: 2, Decode: decodeDimmer, Expected: expectOnOff, Command: commandDimmer},
		{Code: T1A, Name: "digital_input_raw", SlotWidth: 1, Decode: decodeRaw},
		{Code: T21, Name: "shutter_limits", SlotWidth: 1, Decode: decodeShutter, Expected: expectShutter, Command: commandShutter},
		{Code: T22, Name: "shutter", SlotWidth: 1, Decode: decodeShutter, Expected: expectShutter, Command: commandShutter},
		{Code: T31, Name: "thermostat", SlotWidth: 5, Decode: decodeThermostat, Command: commandThermostat},
		{Code: T41, Name: "antitheft", SlotWidth: 1, Decode: decodeAntitheft, Expected: expectAntitheft, Command: commandAntitheft},
		{Code: T42, Name: "antitheft_peer", SlotWidth: 1, Decode: decodeAntitheftPeer, Command: commandAntitheftPeer},
	}

	sensors := []string{"analog", "temperature", "humidity", "light", "voltage", "current", "power", "pressure"}
	for i, name := range sensors {
		specs = append(specs,
			TypicalSpec{Code: T51 + byte(i), Name: name + "_sensor", SlotWidth: 2, Decode: decodeAnalog},
			TypicalSpec{Code: T61 + byte(i), Name: name + "_setpoint", SlotWidth: 2, Decode: decodeAnalog, Command: commandAnalog},
		)
	}
	return specs
}

func onOffFromRaw(raw byte) (bool, bool) {
	switch raw {
	case T1nOnCoil, T1nOnFeedback:
		return true, true
	case T1nOffCoil, T1nOffFeedback:
		return false, true
	}
	return false, false
}

func decodeOnOff(b []byte) (DecodedState, bool) {
	on, ok := onOffFromRaw(b[0])
	if !ok {
		return DecodedState{"raw": b[0]}, false
	}
	return DecodedState{"raw": b[0], "on": on}, true
}

func decodeAutoMode(b []byte) (DecodedState, bool) {
	switch b[0] {
	case T1nOnCoilAuto:
		return DecodedState{"raw": b[0], "on": true, "auto_mode": true}, true
	case T1nOffCoilAuto:
		return DecodedState{"raw": b[0], "on": false, "auto_mode": true}, true
	case T1nOnCoil:
		return DecodedState{"raw": b[0], "on": true, "auto_mode": false}, true
	case T1nOffCoil:
		return DecodedState{"raw": b[0], "on": false, "auto_mode": false}, true
	}
	return DecodedState{"raw": b[0]}, false
}

func decodeInput(b []byte) (DecodedState, bool) {
	s, ok := decodeOnOff(b)
	if !ok {
		return s, false
	}
	// An energised input reads as a closed contact.
	s["open"] = b[0] == T1nOffCoil
	return s, true
}

func decodeRGB(b []byte) (DecodedState, bool) {
	s, _ := decodeOnOff(b)
	s["rgb"] = []int{int(b[1]), int(b[2]), int(b[3])}
	return s, true
}

func decodeDimmer(b []byte) (DecodedState, bool) {
	s, _ := decodeOnOff(b)
	s["level"] = int(b[1])
	return s, true
}

func decodeRaw(b []byte) (DecodedState, bool) {
	return DecodedState{"raw": b[0], "value": int(b[0])}, true
}

var shutterMessages = map[byte]string{
	T2nCoilOpen:       "opening",
	T2nCoilClose:      "closing",
	T2nCoilStop:       "stop",
	T2nCoilOff:        "opening",
	T2nLimSwitchClose: "limit_switch_close",
	T2nLimSwitchOpen:  "limit_switch_open",
	T2nNoLimSwitch:    "limit_switch_open",
	T2nTimerOff:       "timer_off",
	T2nStateOpen:      "state_open",
	T2nStateClose:     "state_close",
}

func decodeShutter(b []byte) (DecodedState, bool) {
	msg, ok := shutterMessages[b[0]]
	if !ok {
		return DecodedState{"raw": b[0]}, false
	}
	s := DecodedState{"raw": b[0], "message": msg}
	switch b[0] {
	case T2nCoilOpen:
		s["direction"] = "up"
	case T2nCoilClose:
		s["direction"] = "down"
	}
	return s, true
}

var fanSpeeds = [...]string{"off", "low", "medium", "high"}

func decodeThermostat(b []byte) (DecodedState, bool) {
	raw := b[0]
	bit := func(n uint) int { return int(raw>>n) & 1 }

	s := DecodedState{
		"raw":    raw,
		"system": bit(0) == 1,
		"fire":   bit(1)+bit(2) > 0,
		"fan":    fanSpeeds[bit(3)+bit(4)+bit(5)],
	}
	if bit(7) == 1 {
		s["mode"] = "cooling"
	} else {
		s["mode"] = "heating"
	}

	if v := DecodeHalfLE(b[1], b[2]); !isNaN(v) {
		s["temperature"] = float64(v)
	}
	if v := DecodeHalfLE(b[3], b[4]); !isNaN(v) {
		s["setpoint"] = float64(v)
	}
	return s, true
}

func decodeAntitheft(b []byte) (DecodedState, bool) {
	switch b[0] {
	case T4nNoAntitheft:
		return DecodedState{"raw": b[0], "armed": false, "alarm": false}, true
	case T4nAntitheft:
		return DecodedState{"raw": b[0], "armed": true, "alarm": false}, true
	case T4nInAlarm:
		return DecodedState{"raw": b[0], "alarm": true}, true
	case T4nArmed:
		return DecodedState{"raw": b[0], "armed": true}, true
	}
	return DecodedState{"raw": b[0]}, false
}

func decodeAntitheftPeer(b []byte) (DecodedState, bool) {
	switch b[0] {
	case T4nNoAntitheft:
		return DecodedState{"raw": b[0], "alarm": false}, true
	case T4nAlarm:
		return DecodedState{"raw": b[0], "alarm": true}, true
	}
	return DecodedState{"raw": b[0]}, false
}

func decodeAnalog(b []byte) (DecodedState, bool) {
	v := DecodeHalfLE(b[0], b[1])
	if isNaN(v) {
		return nil, false
	}
	return DecodedState{"raw": b[0], "value": float64(v)}, true
}

func isNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

func expectOnOff(cmd byte) (byte, bool) {
	switch cmd {
	case T1nOnCmd:
		return T1nOnCoil, true
	case T1nOffCmd:
		return T1nOffCoil, true
	}
	return 0, false
}

func expectShutter(cmd byte) (byte, bool) {
	switch cmd {
	case T2nOpenCmd:
		return T2nCoilOpen, true
	case T2nCloseCmd:
		return T2nCoilClose, true
	case T2nStopCmd:
		return T2nCoilStop, true
	}
	return 0, false
}

func expectAntitheft(cmd byte) (byte, bool) {
	switch cmd {
	case T4nArmed:
		return T4nAntitheft, true
	case T4nNotArmed:
		return T4nNoAntitheft, true
	}
	return 0, false
}

func commandOnOff(name string, params map[string]any) (ForceCommand, error) {
	switch strings.ToLower(name) {
	case "on":
		return ForceCommand{Command: T1nOnCmd}, nil
	case "off":
		return ForceCommand{Command: T1nOffCmd}, nil
	case "toggle":
		return ForceCommand{Command: T1nToggleCmd}, nil
	}
	return rawCommand(name, params)
}

func commandAutoMode(name string, params map[string]any) (ForceCommand, error) {
	if strings.EqualFold(name, "auto") {
		return ForceCommand{Command: T1nAutoCmd}, nil
	}
	return commandOnOff(name, params)
}

func commandPulse(name string, params map[string]any) (ForceCommand, error) {
	if strings.EqualFold(name, "on") || strings.EqualFold(name, "pulse") {
		return ForceCommand{Command: T1nOnCmd}, nil
	}
	return rawCommand(name, params)
}

func commandRGB(name string, params map[string]any) (ForceCommand, error) {
	switch strings.ToLower(name) {
	case "rgb":
		rgb, err := paramRGB(params)
		if err != nil {
			return ForceCommand{}, err
		}
		return ForceCommand{Command: T1nSetCmd, Extra: rgb}, nil
	case "bright_up":
		return ForceCommand{Command: T1nBrightUp}, nil
	case "bright_down":
		return ForceCommand{Command: T1nBrightDown}, nil
	}
	return commandOnOff(name, params)
}

func commandDimmer(name string, params map[string]any) (ForceCommand, error) {
	switch strings.ToLower(name) {
	case "set", "dim":
		level, err := paramByte(params, "level")
		if err != nil {
			return ForceCommand{}, err
		}
		return ForceCommand{Command: T1nSetCmd, Extra: []byte{level}}, nil
	case "bright_up":
		return ForceCommand{Command: T1nBrightUp}, nil
	case "bright_down":
		return ForceCommand{Command: T1nBrightDown}, nil
	}
	return commandOnOff(name, params)
}

func commandShutter(name string, params map[string]any) (ForceCommand, error) {
	switch strings.ToLower(name) {
	case "open", "up":
		return ForceCommand{Command: T2nOpenCmd}, nil
	case "close", "down":
		return ForceCommand{Command: T2nCloseCmd}, nil
	case "stop":
		return ForceCommand{Command: T2nStopCmd}, nil
	case "toggle":
		return ForceCommand{Command: T2nToggleCmd}, nil
	}
	return rawCommand(name, params)
}

var thermostatCommands = map[string]byte{
	"heating":       T3nHeating,
	"cooling":       T3nCooling,
	"fan_off":       T3nFanOff,
	"fan_low":       T3nFanLow,
	"fan_medium":    T3nFanMed,
	"fan_high":      T3nFanHigh,
	"fan_auto":      T3nFanAuto,
	"fan_manual":    T3nFanManual,
	"as_measured":   T3nAsMeasured,
	"shutdown":      T3nShutDown,
	"setpoint_up":   T3nInSetPoint,
	"setpoint_down": T3nOutSetPoint,
}

func commandThermostat(name string, params map[string]any) (ForceCommand, error) {
	if strings.EqualFold(name, "setpoint") {
		v, err := paramFloat(params, "value")
		if err != nil {
			return ForceCommand{}, err
		}
		lo, hi := EncodeHalfLE(float32(v))
		// Setpoint lives in the last two state slots.
		return ForceCommand{Offset: 3, Command: lo, Extra: []byte{hi}}, nil
	}
	if cmd, ok := thermostatCommands[strings.ToLower(name)]; ok {
		return ForceCommand{Command: cmd}, nil
	}
	return rawCommand(name, params)
}

func commandAntitheft(name string, params map[string]any) (ForceCommand, error) {
	switch strings.ToLower(name) {
	case "arm", "on":
		return ForceCommand{Command: T4nArmed}, nil
	case "disarm", "off":
		return ForceCommand{Command: T4nNotArmed}, nil
	case "rearm":
		return ForceCommand{Command: T4nReArm}, nil
	}
	return rawCommand(name, params)
}

func commandAntitheftPeer(name string, params map[string]any) (ForceCommand, error) {
	if strings.EqualFold(name, "rearm") {
		return ForceCommand{Command: T4nReArm}, nil
	}
	return rawCommand(name, params)
}

func commandAnalog(name string, params map[string]any) (ForceCommand, error) {
	if !strings.EqualFold(name, "set") {
		return ForceCommand{}, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	v, err := paramFloat(params, "value")
	if err != nil {
		return ForceCommand{}, err
	}
	lo, hi := EncodeHalfLE(float32(v))
	return ForceCommand{Command: lo, Extra: []byte{hi}}, nil
}

// rawCommand accepts {"command": "raw", "parameters": {"value": n}} for any
// typical, sending n as the command byte unchanged.
func rawCommand(name string, params map[string]any) (ForceCommand, error) {
	if !strings.EqualFold(name, "raw") {
		return ForceCommand{}, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	b, err := paramByte(params, "value")
	if err != nil {
		return ForceCommand{}, err
	}
	return ForceCommand{Command: b}, nil
}

func paramFloat(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidCommand, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidCommand, key)
}

func paramByte(params map[string]any, key string) (byte, error) {
	f, err := paramFloat(params, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 255 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q out of byte range: %v", ErrInvalidCommand, key, f)
	}
	return byte(f), nil
}

func paramRGB(params map[string]any) ([]byte, error) {
	out := make([]byte, 0, 3)
	for _, key := range []string{"red", "green", "blue"} {
		b, err := paramByte(params, key)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
