package main

import (
	"errors"
	"fmt"

	"github.com/srg/bletemp/internal/app"
	"github.com/srg/bletemp/internal/gap"
	"github.com/srg/bletemp/pkg/config"
)

// formatUserError adds a hint for the failures a user can act on.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("%v (see 'bletemp config' for the effective values)", err)
	case errors.Is(err, app.ErrStackSync):
		return fmt.Sprintf("%v (is a Bluetooth adapter present and powered on?)", err)
	case errors.Is(err, app.ErrSensorInit):
		return fmt.Sprintf("%v (try --sensor sim)", err)
	case errors.Is(err, gap.ErrIdentity):
		return fmt.Sprintf("%v (check address_type and privacy)", err)
	default:
		return err.Error()
	}
}
