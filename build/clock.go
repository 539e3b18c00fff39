package build

import "github.com/raulk/clock"

// Clock is the default clock for the system. In standard builds, this is a
// real-time clock which maps to the `time` package.
//
// Components that need a controllable clock take one through their
// configuration and fall back to this value; tests pass clock.NewMock().
var Clock = clock.New()
