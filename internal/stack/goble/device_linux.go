//go:build linux

package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

func newDefaultDevice() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, err
	}
	return &hciDevice{Device: dev}, nil
}

// hciDevice drives the controller directly so the advertising data is
// exactly what SetAdvFields encoded.
type hciDevice struct {
	*linux.Device
}

// AdvertiseRaw implements rawAdvertiser.
func (d *hciDevice) AdvertiseRaw(ctx context.Context, ad, sr []byte) error {
	if err := d.HCI.SetAdvertisement(ad, sr); err != nil {
		return fmt.Errorf("failed to set advertising data: %w", err)
	}
	if err := d.HCI.Advertise(); err != nil {
		return fmt.Errorf("failed to enable advertising: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-d.HCI.Done():
		return d.HCI.Error()
	}
	if err := d.HCI.StopAdvertising(); err != nil {
		return fmt.Errorf("failed to disable advertising: %w", err)
	}
	return ctx.Err()
}

// AdvTxPower implements txPowerReader.
func (d *hciDevice) AdvTxPower() (int8, error) {
	var rp cmd.LEReadAdvertisingChannelTxPowerRP
	if err := d.HCI.Send(&cmd.LEReadAdvertisingChannelTxPower{}, &rp); err != nil {
		return 0, fmt.Errorf("failed to read advertising tx power: %w", err)
	}
	return int8(rp.TransmitPowerLevel), nil
}
