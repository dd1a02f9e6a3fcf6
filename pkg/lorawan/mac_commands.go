package lorawan

import "fmt"

// MACCommand is a single FOpts/FRMPayload(port 0) MAC command: a one-byte
// CID followed by a direction- and command-specific fixed-length payload.
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers (1.0.x core commands).
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
)

// ParseMACCommands decodes a sequence of MAC commands from FOpts (or an
// FPort-0 FRMPayload). uplink selects the length table matching the
// direction of the data frame carrying them.
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cid := data[i]
		i++

		length := macCommandPayloadLength(uplink, cid)
		if length < 0 {
			return nil, fmt.Errorf("unknown MAC command CID %#02x", cid)
		}
		if i+length > len(data) {
			return nil, fmt.Errorf("insufficient data for MAC command %#02x", cid)
		}

		commands = append(commands, MACCommand{CID: cid, Payload: data[i : i+length]})
		i += length
	}

	return commands, nil
}

func macCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq:
			return 0
		case LinkADRAns:
			return 1
		case DutyCycleAns:
			return 0
		case RXParamSetupAns:
			return 1
		case DevStatusAns:
			return 2
		case NewChannelAns:
			return 1
		case RXTimingSetupAns:
			return 0
		default:
			return -1
		}
	}

	switch cid {
	case LinkCheckAns:
		return 2
	case LinkADRReq:
		return 4
	case DutyCycleReq:
		return 1
	case RXParamSetupReq:
		return 4
	case DevStatusReq:
		return 0
	case NewChannelReq:
		return 5
	case RXTimingSetupReq:
		return 1
	default:
		return -1
	}
}

// EncodeMACCommands concatenates CID ‖ Payload for each command, in order.
func EncodeMACCommands(commands []MACCommand) []byte {
	var out []byte
	for _, cmd := range commands {
		out = append(out, cmd.CID)
		out = append(out, cmd.Payload...)
	}
	return out
}
