// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// Clock implements harvest.Clock in UTC.
type Clock struct{}

var _ harvest.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
