package core

import (
	"fmt"
	"sort"
	"strings"
)

// ModeAltHold is the depth-holding mode heading and attitude control require.
const ModeAltHold = "ALT_HOLD"

// ArduSub custom_mode numbers.
var arduSubModes = map[string]uint32{
	"STABILIZE":    0,
	"ACRO":         1,
	"ALT_HOLD":     2,
	"AUTO":         3,
	"GUIDED":       4,
	"CIRCLE":       7,
	"SURFACE":      9,
	"POSHOLD":      16,
	"MANUAL":       19,
	"MOTOR_DETECT": 20,
}

var arduSubModeNames = func() map[uint32]string {
	m := make(map[uint32]string, len(arduSubModes))
	for name, n := range arduSubModes {
		m[n] = name
	}
	return m
}()

// LookupMode resolves a mode name, case-insensitively, to its custom_mode number.
func LookupMode(name string) (uint32, bool) {
	n, ok := arduSubModes[strings.ToUpper(strings.TrimSpace(name))]
	return n, ok
}

// ModeName returns the name of a custom_mode number. Unknown numbers are
// rendered as MODE(<n>).
func ModeName(number uint32) string {
	if name, ok := arduSubModeNames[number]; ok {
		return name
	}
	return fmt.Sprintf("MODE(%d)", number)
}

// ModeNames returns every known mode name, sorted.
func ModeNames() []string {
	names := make([]string, 0, len(arduSubModes))
	for name := range arduSubModes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
