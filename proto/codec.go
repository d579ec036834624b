package proto

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrDecode       = errors.New("malformed frame")
	ErrEmptyMessage = errors.New("client message carries no variant")
)

// ClientMessage oneof field numbers.
const (
	fieldIdentify protowire.Number = 1
	fieldGetInfo  protowire.Number = 2
	fieldGetState protowire.Number = 3
	fieldSetState protowire.Number = 4
)

// ControllerResponse oneof field numbers.
const (
	fieldStatus protowire.Number = 1
	fieldState  protowire.Number = 2
	fieldInfo   protowire.Number = 3
)

// Encode serializes m as a ClientMessage with exactly one oneof field set.
func Encode(m Message) ([]byte, error) {
	var b []byte
	switch m := m.(type) {
	case Identify:
		b = protowire.AppendTag(b, fieldIdentify, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeIdentifyRequest(m.Token))
	case GetInfo:
		b = protowire.AppendTag(b, fieldGetInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case GetState:
		b = protowire.AppendTag(b, fieldGetState, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case SetState:
		if err := m.State.Validate(); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldSetState, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeShort(m))
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}
	return b, nil
}

// EncodeShort returns the raw two byte SetState frame, 0x08 followed by the
// state code. The controller accepts it in place of the full ClientMessage
// form and both decode to the same SetState.
func EncodeShort(m SetState) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.State))
}

// EncodeIdentifyRequest returns a bare IdentifyRequest, as written to the BLE
// auth characteristic.
func EncodeIdentifyRequest(token string) []byte {
	if token == "" {
		return []byte{}
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, token)
}

// DecodeIdentifyRequest parses a bare IdentifyRequest and returns its token.
func DecodeIdentifyRequest(b []byte) (string, error) {
	m, err := decodeVariant(fieldIdentify, b)
	if err != nil {
		return "", err
	}
	return m.(Identify).Token, nil
}

// DecodeMessage parses a single ClientMessage. When several oneof fields are
// present the last one wins, as with any protobuf parser.
func DecodeMessage(b []byte) (Message, error) {
	msgs, err := DecodeMessages(b)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyMessage
	}
	return msgs[len(msgs)-1], nil
}

// DecodeMessages splits a buffer holding one or more back-to-back client
// frames into messages. TCP gives no framing, so an identify and the command
// that follows it commonly arrive in one read.
func DecodeMessages(b []byte) ([]Message, error) {
	var msgs []Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msgs, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]

		var m Message
		switch {
		case num == 1 && typ == protowire.VarintType:
			// short SetState frame
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return msgs, fmt.Errorf("%w: set_state: %v", ErrDecode, protowire.ParseError(vn))
			}
			if v > math.MaxUint8 {
				return msgs, fmt.Errorf("%w: set_state %d out of range", ErrDecode, v)
			}
			m, n = SetState{State: StateCode(v)}, vn
		case typ == protowire.BytesType && num >= fieldIdentify && num <= fieldSetState:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return msgs, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(vn))
			}
			var err error
			m, err = decodeVariant(num, v)
			if err != nil {
				return msgs, err
			}
			n = vn
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msgs, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func decodeVariant(num protowire.Number, v []byte) (Message, error) {
	switch num {
	case fieldIdentify:
		var m Identify
		err := rangeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				s, n := protowire.ConsumeString(b)
				m.Token = s
				return n, nil
			}
			return -1, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: identify: %v", ErrDecode, err)
		}
		return m, nil
	case fieldGetInfo:
		return GetInfo{}, nil
	case fieldGetState:
		return GetState{}, nil
	default:
		var m SetState
		err := rangeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.VarintType {
				x, n := protowire.ConsumeVarint(b)
				if n >= 0 && x > math.MaxUint8 {
					return 0, fmt.Errorf("state %d out of range", x)
				}
				m.State = StateCode(x)
				return n, nil
			}
			return -1, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: set_state: %v", ErrDecode, err)
		}
		return m, nil
	}
}

// DecodeResponse parses a ControllerResponse. Frames that carry no known
// variant, or whose variant is cut short, come back as Unrecognized. Only a
// frame the protobuf wire format rejects outright (field number zero, a
// reserved wire type, an overflowing varint) returns ErrDecode.
func DecodeResponse(b []byte) (Response, error) {
	raw := append([]byte(nil), b...)
	if len(b) == 0 {
		return Unrecognized{Raw: raw, Reason: "empty frame"}, nil
	}

	var resp Response
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			if err := protowire.ParseError(n); !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			return Unrecognized{Raw: raw, Reason: "truncated field key"}, nil
		}
		b = b[n:]

		switch {
		case num == fieldStatus && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return Unrecognized{Raw: raw, Reason: "truncated status"}, nil
			}
			if v > math.MaxUint8 {
				return Unrecognized{Raw: raw, Reason: "status out of range"}, nil
			}
			resp, n = Status{Code: StatusCode(v)}, vn
		case num == fieldState && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Unrecognized{Raw: raw, Reason: "truncated state"}, nil
			}
			st, err := decodeState(v)
			if err != nil {
				return Unrecognized{Raw: raw, Reason: "state: " + err.Error()}, nil
			}
			resp, n = st, vn
		case num == fieldInfo && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Unrecognized{Raw: raw, Reason: "truncated info"}, nil
			}
			info, err := decodeInfo(v)
			if err != nil {
				return Unrecognized{Raw: raw, Reason: "info: " + err.Error()}, nil
			}
			resp, n = info, vn
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				if err := protowire.ParseError(n); !errors.Is(err, io.ErrUnexpectedEOF) {
					return nil, fmt.Errorf("%w: field %d: %v", ErrDecode, num, err)
				}
				return Unrecognized{Raw: raw, Reason: fmt.Sprintf("truncated field %d", num)}, nil
			}
		}
		b = b[n:]
	}

	if resp == nil {
		return Unrecognized{Raw: raw, Reason: "no known variant"}, nil
	}
	return resp, nil
}

func decodeState(b []byte) (State, error) {
	var s State
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num >= 1 && num <= 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			on := protowire.DecodeBool(v)
			switch num {
			case 1:
				s.LightOn = on
			case 2:
				s.DoorLock = on
			case 3:
				s.Channel1 = on
			case 4:
				s.Channel2 = on
			}
			return n, nil
		case num >= 5 && num <= 7 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			f := math.Float32frombits(v)
			switch num {
			case 5:
				s.Temperature = f
			case 6:
				s.Pressure = f
			case 7:
				s.Humidity = f
			}
			return n, nil
		}
		return -1, nil
	})
	return s, err
}

func decodeInfo(b []byte) (Info, error) {
	var info Info
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 || typ != protowire.BytesType {
			return -1, nil
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			info.IP = v
		case 2:
			info.MAC = v
		case 3:
			info.BLEName = v
		case 4:
			info.Token = v
		}
		return n, nil
	})
	return info, err
}

// rangeFields walks the fields of a nested message. fn returns the number of
// value bytes it consumed, or -1 to have the field skipped as unknown.
func rangeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == -1 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// EncodeResponse serializes r the way the controller firmware does. Zero
// valued scalar fields are omitted, except the status code.
func EncodeResponse(r Response) ([]byte, error) {
	var b []byte
	switch r := r.(type) {
	case Status:
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Code))
	case State:
		var v []byte
		for i, on := range []bool{r.LightOn, r.DoorLock, r.Channel1, r.Channel2} {
			if on {
				v = protowire.AppendTag(v, protowire.Number(i+1), protowire.VarintType)
				v = protowire.AppendVarint(v, protowire.EncodeBool(on))
			}
		}
		for i, f := range []float32{r.Temperature, r.Pressure, r.Humidity} {
			if f != 0 {
				v = protowire.AppendTag(v, protowire.Number(i+5), protowire.Fixed32Type)
				v = protowire.AppendFixed32(v, math.Float32bits(f))
			}
		}
		b = protowire.AppendTag(b, fieldState, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	case Info:
		var v []byte
		for i, s := range []string{r.IP, r.MAC, r.BLEName, r.Token} {
			if s != "" {
				v = protowire.AppendTag(v, protowire.Number(i+1), protowire.BytesType)
				v = protowire.AppendString(v, s)
			}
		}
		b = protowire.AppendTag(b, fieldInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	case Ack:
		b = append(b, AckMarker...)
	case Unrecognized:
		b = append(b, r.Raw...)
	default:
		return nil, fmt.Errorf("cannot encode response of type %T", r)
	}
	return b, nil
}
