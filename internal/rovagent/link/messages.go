package link

import (
	"math"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// Target addresses a vehicle autopilot.
type Target struct {
	SystemID    uint8
	ComponentID uint8
}

// AxisUnused marks a MANUAL_CONTROL axis as not driven by this message.
const AxisUnused int16 = math.MaxInt16

// MANUAL_CONTROL axis values. Heave (z) is 0..1000 with 500 neutral, the rest
// are -1000..1000 with 0 neutral.
const (
	ManualMax          = 1000
	HeaveNeutral int16 = 500
)

// depthOnlyMask keeps only the z position of a position target.
const depthOnlyMask = common.POSITION_TARGET_TYPEMASK_X_IGNORE |
	common.POSITION_TARGET_TYPEMASK_Y_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

// ArmDisarm builds the COMPONENT_ARM_DISARM command.
func ArmDisarm(t Target, arm bool) *common.MessageCommandLong {
	var p1 float32
	if arm {
		p1 = 1
	}
	return &common.MessageCommandLong{
		TargetSystem:    t.SystemID,
		TargetComponent: t.ComponentID,
		Command:         common.MAV_CMD_COMPONENT_ARM_DISARM,
		Param1:          p1,
	}
}

// SetMode builds the DO_SET_MODE command for an autopilot custom mode.
func SetMode(t Target, customMode uint32) *common.MessageCommandLong {
	return &common.MessageCommandLong{
		TargetSystem:    t.SystemID,
		TargetComponent: t.ComponentID,
		Command:         common.MAV_CMD_DO_SET_MODE,
		Param1:          float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		Param2:          float32(customMode),
	}
}

// ManualControl builds a MANUAL_CONTROL message that drives only the x, y, z
// or r axis selected by axis; every other axis is AxisUnused.
func ManualControl(target uint8, axis byte, value int16) *common.MessageManualControl {
	msg := &common.MessageManualControl{
		Target: target,
		X:      AxisUnused,
		Y:      AxisUnused,
		Z:      AxisUnused,
		R:      AxisUnused,
	}
	switch axis {
	case 'x':
		msg.X = value
	case 'y':
		msg.Y = value
	case 'z':
		msg.Z = value
	case 'r':
		msg.R = value
	}
	return msg
}

// DepthTarget builds a position target carrying only the depth. ArduSub
// altitude is negative below the surface.
func DepthTarget(t Target, timeBootMs uint32, depth float64) *common.MessageSetPositionTargetGlobalInt {
	return &common.MessageSetPositionTargetGlobalInt{
		TimeBootMs:      timeBootMs,
		TargetSystem:    t.SystemID,
		TargetComponent: t.ComponentID,
		CoordinateFrame: common.MAV_FRAME_GLOBAL_INT,
		TypeMask:        depthOnlyMask,
		Alt:             float32(-depth),
	}
}

// AttitudeTarget builds an attitude target from degrees. Throttle is left to
// the depth controller.
func AttitudeTarget(t Target, timeBootMs uint32, rollDeg, pitchDeg, yawDeg float64) *common.MessageSetAttitudeTarget {
	q := EulerToQuaternion(Radians(rollDeg), Radians(pitchDeg), Radians(yawDeg))
	return &common.MessageSetAttitudeTarget{
		TimeBootMs:      timeBootMs,
		TargetSystem:    t.SystemID,
		TargetComponent: t.ComponentID,
		TypeMask:        common.ATTITUDE_TARGET_TYPEMASK_THROTTLE_IGNORE,
		Q:               q.Float32(),
	}
}

// HeadingTarget is an attitude target with zero roll and pitch.
func HeadingTarget(t Target, timeBootMs uint32, headingDeg float64) *common.MessageSetAttitudeTarget {
	return AttitudeTarget(t, timeBootMs, 0, 0, headingDeg)
}
