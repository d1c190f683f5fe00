package db

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a route or trip does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleTrip is returned when a trip was saved by someone else since it
// was loaded.
var ErrStaleTrip = errors.New("trip modified concurrently")

// ActiveTripError is returned when a driver already owns an active trip.
type ActiveTripError struct {
	DriverID   string
	ExistingID string
}

func (e *ActiveTripError) Error() string {
	return fmt.Sprintf("driver %s already has active trip %s", e.DriverID, e.ExistingID)
}
