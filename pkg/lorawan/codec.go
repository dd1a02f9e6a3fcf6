package lorawan

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary serializes a PHYPayload: MHDR ‖ MACPayload ‖ MIC. Join-Accept
// payloads already carry their MIC folded into the encrypted MACPayload (see
// EncryptJoinAccept) and are emitted without a trailing MIC.
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+len(p.MACPayload)+4)
	out = append(out, p.MHDR.Byte())
	out = append(out, p.MACPayload...)
	if p.MHDR.MType != JoinAccept {
		out = append(out, p.MIC[:]...)
	}
	return out, nil
}

// UnmarshalBinary splits a PHY payload into MHDR, MACPayload and trailing
// MIC. Join-Accept frames (whose body is a single encrypted blob with no
// separable trailing MIC at this layer) must be unmarshaled field-by-field
// by the caller after decryption.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}
	p.MHDR = ParseMHDR(data[0])
	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

// Marshal encodes a data MACPayload onto the wire: DevAddr is reversed to
// little-endian, FCtrl bits are packed per direction, FCnt is little-endian.
func (m *MACPayload) Marshal(isUplink bool) []byte {
	out := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))

	out = append(out, reverseBytes(m.FHDR.DevAddr[:])...)

	var fctrl byte
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	out = append(out, fctrl)

	fcnt := make([]byte, 2)
	binary.LittleEndian.PutUint16(fcnt, m.FHDR.FCnt)
	out = append(out, fcnt...)

	out = append(out, m.FHDR.FOpts...)

	if m.FPort != nil {
		out = append(out, *m.FPort)
		out = append(out, m.FRMPayload...)
	}

	return out
}

// Unmarshal parses a data MACPayload off the wire.
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0
	copy(m.FHDR.DevAddr[:], reverseBytes(data[pos:pos+4]))
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = fctrl&0x80 != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.ClassB = fctrl&0x10 != 0
	} else {
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}
	foptsLen := int(fctrl & 0x0F)
	m.FHDR.FCtrl.FOptsLen = uint8(foptsLen)
	pos++

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOptsLen %d: exceeds remaining %d bytes", foptsLen, len(data)-pos)
		}
		m.FHDR.FOpts = append([]byte(nil), data[pos:pos+foptsLen]...)
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++
		if pos < len(data) {
			m.FRMPayload = append([]byte(nil), data[pos:]...)
		}
	}

	return nil
}

// MarshalBinary encodes a join-request body: AppEUI ‖ DevEUI ‖ DevNonce,
// each EUI reversed to little-endian.
func (j *JoinRequestPayload) MarshalBinary() []byte {
	out := make([]byte, 0, 18)
	out = append(out, reverseBytes(j.AppEUI[:])...)
	out = append(out, reverseBytes(j.DevEUI[:])...)
	out = append(out, j.DevNonce[:]...)
	return out
}

// UnmarshalBinary parses a join-request body.
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}
	copy(j.AppEUI[:], reverseBytes(data[0:8]))
	copy(j.DevEUI[:], reverseBytes(data[8:16]))
	copy(j.DevNonce[:], data[16:18])
	return nil
}

// MarshalBinary encodes a join-accept body (plaintext, pre-encryption):
// AppNonce ‖ NetID ‖ DevAddr ‖ DLSettings ‖ RxDelay ‖ [CFList].
func (j *JoinAcceptPayload) MarshalBinary() []byte {
	out := make([]byte, 12, 12+len(j.CFList))
	copy(out[0:3], j.AppNonce[:])
	copy(out[3:6], j.NetID[:])
	copy(out[6:10], reverseBytes(j.DevAddr[:]))
	out[10] = (j.DLSettings.RX1DROffset&0x07)<<4 | (j.DLSettings.RX2DataRate & 0x0F)
	out[11] = j.RxDelay
	out = append(out, j.CFList...)
	return out
}

// UnmarshalBinary parses a decrypted join-accept body.
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("invalid JoinAccept length: minimum 12, got %d", len(data))
	}
	copy(j.AppNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], reverseBytes(data[6:10]))
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]
	if len(data) > 12 {
		j.CFList = append([]byte(nil), data[12:]...)
	}
	return nil
}
