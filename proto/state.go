package proto

import (
	"fmt"
	"strings"
)

// StateCode is the firmware's fixed numbering of settable states. The values
// are part of the device contract and must not be renumbered.
type StateCode uint8

const (
	DoorLockOpen  StateCode = 0
	DoorLockClose StateCode = 1
	LightOn       StateCode = 2
	LightOff      StateCode = 3
)

var stateNames = map[StateCode]string{
	DoorLockOpen:  "DoorLockOpen",
	DoorLockClose: "DoorLockClose",
	LightOn:       "LightOn",
	LightOff:      "LightOff",
}

func (s StateCode) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StateCode(%d)", uint8(s))
}

func (s StateCode) Validate() error {
	if _, ok := stateNames[s]; !ok {
		return fmt.Errorf("invalid state code %d", uint8(s))
	}
	return nil
}

// ParseStateCode accepts the firmware names case-insensitively, with or
// without separators ("door_lock_open", "DoorLockOpen").
func ParseStateCode(name string) (StateCode, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	for code, n := range stateNames {
		if strings.ToLower(n) == key {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

type StatusCode uint8

const (
	StatusOk    StatusCode = 0
	StatusError StatusCode = 1
)

func (s StatusCode) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("StatusCode(%d)", uint8(s))
	}
}
