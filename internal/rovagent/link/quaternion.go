package link

import "math"

// Quaternion is a rotation as (w, x, y, z). The identity is (1, 0, 0, 0).
type Quaternion struct {
	W, X, Y, Z float64
}

// Float32 returns the wire representation.
func (q Quaternion) Float32() [4]float32 {
	return [4]float32{float32(q.W), float32(q.X), float32(q.Y), float32(q.Z)}
}

// QuaternionFromFloat32 reads the wire representation.
func QuaternionFromFloat32(q [4]float32) Quaternion {
	return Quaternion{W: float64(q[0]), X: float64(q[1]), Y: float64(q[2]), Z: float64(q[3])}
}

func Radians(deg float64) float64 { return deg * math.Pi / 180 }

func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// EulerToQuaternion converts roll, pitch and yaw in radians, applied in ZYX
// order, to a unit quaternion.
func EulerToQuaternion(roll, pitch, yaw float64) Quaternion {
	sr, cr := math.Sincos(roll / 2)
	sp, cp := math.Sincos(pitch / 2)
	sy, cy := math.Sincos(yaw / 2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// QuaternionToEuler inverts EulerToQuaternion. Angles are in radians; yaw is
// normalized to [0, 2π).
func QuaternionToEuler(q Quaternion) (roll, pitch, yaw float64) {
	roll = math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	switch {
	case sinp >= 1:
		pitch = math.Pi / 2
	case sinp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sinp)
	}

	yaw = math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	if yaw < 0 {
		yaw += 2 * math.Pi
	}
	if yaw >= 2*math.Pi {
		yaw = 0
	}
	return roll, pitch, yaw
}
