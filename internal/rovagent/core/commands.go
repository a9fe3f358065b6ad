package core

import (
	"math"
	"strings"
	"time"
)

// Accepted command ranges. Angles are degrees, depth is meters below the surface.
const (
	MinDepth = 0.0
	MaxDepth = 100.0

	MinThrottle = 0.0
	MaxThrottle = 1.0

	MinMoveDuration = 100 * time.Millisecond
	MaxMoveDuration = 10 * time.Second

	MaxRoll  = 180.0
	MaxPitch = 90.0
)

// Direction is an operator movement direction.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
	Up       Direction = "up"
	Down     Direction = "down"
	YawLeft  Direction = "yaw_left"
	YawRight Direction = "yaw_right"
)

// Axis is a vehicle degree of freedom driven by MANUAL_CONTROL.
type Axis string

const (
	AxisSurge Axis = "surge"
	AxisSway  Axis = "sway"
	AxisHeave Axis = "heave"
	AxisYaw   Axis = "yaw"
)

// Axes lists every movement axis.
var Axes = []Axis{AxisSurge, AxisSway, AxisHeave, AxisYaw}

var directions = map[Direction]struct {
	axis Axis
	sign int
}{
	Forward:  {AxisSurge, 1},
	Backward: {AxisSurge, -1},
	Right:    {AxisSway, 1},
	Left:     {AxisSway, -1},
	Up:       {AxisHeave, 1},
	Down:     {AxisHeave, -1},
	YawRight: {AxisYaw, 1},
	YawLeft:  {AxisYaw, -1},
}

// ParseDirection accepts a direction name in any case.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := directions[d]; !ok {
		return "", Errorf(KindValidation, "unknown direction %q", s)
	}
	return d, nil
}

// Axis returns the axis driven by d and the sign of the motion on it.
func (d Direction) Axis() (Axis, int, bool) {
	v, ok := directions[d]
	return v.axis, v.sign, ok
}

// Command is an operator intent. Validate checks its arguments only; state
// preconditions are checked by the dispatcher.
type Command interface {
	Name() string
	Validate() error
}

type Arm struct {
	Arm bool
}

func (c Arm) Name() string {
	if c.Arm {
		return "arm"
	}
	return "disarm"
}

func (Arm) Validate() error { return nil }

type SetMode struct {
	Mode string
}

func (SetMode) Name() string { return "set_mode" }

func (c SetMode) Validate() error {
	if _, ok := LookupMode(c.Mode); !ok {
		return Errorf(KindValidation, "unknown mode %q, expected one of %v", c.Mode, ModeNames())
	}
	return nil
}

type Move struct {
	Direction Direction
	Throttle  float64
	Duration  time.Duration
}

func (Move) Name() string { return "move" }

func (c Move) Validate() error {
	if _, _, ok := c.Direction.Axis(); !ok {
		return Errorf(KindValidation, "unknown direction %q", c.Direction)
	}
	if err := checkRange("throttle", c.Throttle, MinThrottle, MaxThrottle, false); err != nil {
		return err
	}
	if c.Duration < MinMoveDuration || c.Duration > MaxMoveDuration {
		return Errorf(KindValidation, "duration %s out of range [%s, %s]", c.Duration, MinMoveDuration, MaxMoveDuration)
	}
	return nil
}

type SetDepth struct {
	Meters float64
}

func (SetDepth) Name() string { return "set_depth" }

func (c SetDepth) Validate() error {
	return checkRange("depth", c.Meters, MinDepth, MaxDepth, false)
}

type SetHeading struct {
	Degrees float64
}

func (SetHeading) Name() string { return "set_heading" }

func (c SetHeading) Validate() error {
	return checkRange("heading", c.Degrees, 0, 360, true)
}

type SetAttitude struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

func (SetAttitude) Name() string { return "set_attitude" }

func (c SetAttitude) Validate() error {
	if err := checkRange("roll", c.Roll, -MaxRoll, MaxRoll, false); err != nil {
		return err
	}
	if err := checkRange("pitch", c.Pitch, -MaxPitch, MaxPitch, false); err != nil {
		return err
	}
	return checkRange("yaw", c.Yaw, 0, 360, true)
}

// checkRange rejects NaN, infinities and values outside [lo, hi] (or [lo, hi)
// when openHigh is set).
func checkRange(name string, v, lo, hi float64, openHigh bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Errorf(KindValidation, "%s must be a finite number", name)
	}
	if v < lo || v > hi || (openHigh && v == hi) {
		closing := "]"
		if openHigh {
			closing = ")"
		}
		return Errorf(KindValidation, "%s %g out of range [%g, %g%s", name, v, lo, hi, closing)
	}
	return nil
}
