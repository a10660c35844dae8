//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDefaultDevice() (ble.Device, error) {
	return nil, errors.New("no BLE device support on this platform")
}
