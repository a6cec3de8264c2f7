package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattc/internal/central"
)

// FormatUserError converts internal errors into messages suitable for
// end users, without Go error-chain noise.
func FormatUserError(err error) string {
	var notFound *central.NotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}

	switch {
	case central.IsCode(err, central.CodeAdapterNotReady):
		return "Bluetooth adapter is not powered on (check that Bluetooth is enabled)"
	case central.IsCode(err, central.CodeNotConnected):
		return "device is not connected"
	case central.IsCode(err, central.CodeConnectFailed):
		return fmt.Sprintf("failed to connect: %s", err)
	case central.IsCode(err, central.CodeTimeout):
		return fmt.Sprintf("operation timed out: %s", err)
	case central.IsCode(err, central.CodeOperationInFlight):
		return fmt.Sprintf("another operation is already in progress: %s", err)
	}
	return err.Error()
}
