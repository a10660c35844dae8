package gap

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble/linux/adv"
)

// MaxAdvPayload is the legacy advertising data limit.
const MaxAdvPayload = adv.MaxEIRPacketLength

// Advertising data field types
const (
	FieldFlags        = 0x01
	FieldShortName    = 0x08
	FieldCompleteName = 0x09
	FieldTxPower      = 0x0A
)

// Advertising flags
const (
	FlagLimitedDiscoverable = adv.FlagLimitedDiscoverable
	FlagGeneralDiscoverable = adv.FlagGeneralDiscoverable
	FlagBREDRUnsupported    = adv.FlagLEOnly
)

// TxPowerAuto asks the stack to fill the TX power field itself.
const TxPowerAuto int8 = 127

// Forever disables the advertising timeout.
const Forever time.Duration = 0

var ErrAdvPayloadTooBig = errors.New("advertising payload too big")

// AdvFields is the content of the advertising packet.
type AdvFields struct {
	Flags          byte
	TxPowerPresent bool
	TxPower        int8 // TxPowerAuto lets the stack decide
	Name           string
	NameIsComplete bool
}

// SensorAdvFields builds the payload this device advertises: general
// discoverable, LE only, stack-filled TX power and the complete name.
func SensorAdvFields(name string) AdvFields {
	return AdvFields{
		Flags:          FlagGeneralDiscoverable | FlagBREDRUnsupported,
		TxPowerPresent: true,
		TxPower:        TxPowerAuto,
		Name:           name,
		NameIsComplete: true,
	}
}

// Encode renders the fields as advertising data. txPower replaces
// TxPowerAuto with the level the controller actually uses.
func (f AdvFields) Encode(txPower int8) ([]byte, error) {
	var fields []adv.Field
	if f.Flags != 0 {
		fields = append(fields, adv.Flags(f.Flags))
	}
	if f.TxPowerPresent {
		lvl := f.TxPower
		if lvl == TxPowerAuto {
			lvl = txPower
		}
		// adv has no TX power builder
		fields = append(fields, adv.Raw([]byte{2, FieldTxPower, byte(lvl)}))
	}
	if f.Name != "" {
		if f.NameIsComplete {
			fields = append(fields, adv.CompleteName(f.Name))
		} else {
			fields = append(fields, adv.ShortName(f.Name))
		}
	}

	p, err := adv.NewPacket(fields...)
	if errors.Is(err, adv.ErrNotFit) {
		return nil, fmt.Errorf("%w: %d byte name does not fit in %d bytes", ErrAdvPayloadTooBig, len(f.Name), MaxAdvPayload)
	}
	if err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

// MaxNameLen is the longest name that fits in SensorAdvFields: the payload
// minus flags (3), TX power (3) and the name header (2).
const MaxNameLen = MaxAdvPayload - 8

// ConnMode is the advertising connectability.
type ConnMode int

const (
	ConnModeNone ConnMode = iota
	ConnModeDirected
	ConnModeUndirected
)

// DiscMode is the advertising discoverability.
type DiscMode int

const (
	DiscModeNone DiscMode = iota
	DiscModeLimited
	DiscModeGeneral
)

// AdvParams are the advertising parameters.
type AdvParams struct {
	ConnMode ConnMode
	DiscMode DiscMode
	Interval time.Duration // 0 lets the stack choose
}

// SensorAdvParams is undirected connectable, general discoverable.
func SensorAdvParams() AdvParams {
	return AdvParams{ConnMode: ConnModeUndirected, DiscMode: DiscModeGeneral}
}
