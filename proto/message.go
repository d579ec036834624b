package proto

// Message is an outbound request to the controller. Exactly one variant is
// carried per frame, mirroring the ClientMessage oneof on the device.
type Message interface {
	isMessage()
}

type Identify struct {
	Token string // shared secret compared by the device against its stored value
}

type GetInfo struct{}

type GetState struct{}

type SetState struct {
	State StateCode
}

func (Identify) isMessage() {}
func (GetInfo) isMessage()  {}
func (GetState) isMessage() {}
func (SetState) isMessage() {}

// Response is an inbound controller reply.
type Response interface {
	isResponse()
}

type Status struct {
	Code StatusCode
}

type State struct {
	LightOn     bool    `json:"light_on"`
	DoorLock    bool    `json:"door_lock"`
	Channel1    bool    `json:"channel_1"`
	Channel2    bool    `json:"channel_2"`
	Temperature float32 `json:"temperature"`
	Pressure    float32 `json:"pressure"`
	Humidity    float32 `json:"humidity"`
}

type Info struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	BLEName string `json:"ble_name"`
	Token   string `json:"token"`
}

// Unrecognized is a well-formed frame that carries no known variant, or one
// whose variant payload could not be parsed (a truncated TCP read, for example).
type Unrecognized struct {
	Raw    []byte
	Reason string
}

// Ack is the raw acknowledgment marker the controller notifies after a
// successful identify or command. It is never produced by DecodeResponse.
type Ack struct{}

func (Status) isResponse()       {}
func (State) isResponse()        {}
func (Info) isResponse()         {}
func (Unrecognized) isResponse() {}
func (Ack) isResponse()          {}

// AckMarker is the literal acknowledgment frame 00 01 .. 0E.
var AckMarker = []byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e,
}

func IsAck(b []byte) bool {
	if len(b) != len(AckMarker) {
		return false
	}
	for i := range b {
		if b[i] != AckMarker[i] {
			return false
		}
	}
	return true
}
