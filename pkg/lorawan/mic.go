package lorawan

import (
	"fmt"

	"github.com/lorawan-net/mac-server/pkg/crypto"
)

// DataMIC computes the MIC of a data frame: AES-CMAC(key, B0 ‖ MHDR ‖
// MACPayload)[0:4].
func DataMIC(dir crypto.Direction, devAddr DevAddr, fCnt32 uint32, key AES128Key, mhdr byte, macPayload []byte) ([4]byte, error) {
	b0 := crypto.BuildB0(dir, devAddr, fCnt32, byte(1+len(macPayload)))

	msg := make([]byte, 0, 16+1+len(macPayload))
	msg = append(msg, b0[:]...)
	msg = append(msg, mhdr)
	msg = append(msg, macPayload...)

	mic, err := crypto.MIC(key[:], msg)
	if err != nil {
		return mic, fmt.Errorf("compute data MIC: %w", err)
	}
	return mic, nil
}

// JoinRequestMIC computes the MIC of a join-request: AES-CMAC(AppKey, MHDR
// ‖ JoinRequestPayload)[0:4].
func JoinRequestMIC(appKey AES128Key, mhdr byte, body []byte) ([4]byte, error) {
	msg := make([]byte, 0, 1+len(body))
	msg = append(msg, mhdr)
	msg = append(msg, body...)

	mic, err := crypto.MIC(appKey[:], msg)
	if err != nil {
		return mic, fmt.Errorf("compute join-request MIC: %w", err)
	}
	return mic, nil
}

// JoinAcceptMIC computes the MIC of a join-accept: AES-CMAC(AppKey, MHDR ‖
// JoinAcceptPayload)[0:4].
func JoinAcceptMIC(appKey AES128Key, mhdr byte, body []byte) ([4]byte, error) {
	return JoinRequestMIC(appKey, mhdr, body)
}

// EncryptJoinAccept performs the LoRaWAN Join-Accept "decrypt to encrypt"
// trick: the network server runs AES-ECB *decrypt* over MACPayload ‖ MIC so
// that the device, running ordinary AES-ECB *encrypt*, recovers the
// plaintext.
func EncryptJoinAccept(appKey AES128Key, macPayload []byte, mic [4]byte) ([]byte, error) {
	plaintext := make([]byte, 0, len(macPayload)+4)
	plaintext = append(plaintext, macPayload...)
	plaintext = append(plaintext, mic[:]...)

	ciphertext, err := crypto.ECBDecrypt(appKey[:], plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt join-accept: %w", err)
	}
	return ciphertext, nil
}

// EncryptFRMPayload turns canonical plaintext into wire-order ciphertext:
// reverse to wire order, then apply the Ai-block keystream. This is the
// inverse of DecryptFRMPayload below.
func EncryptFRMPayload(key AES128Key, dir crypto.Direction, devAddr DevAddr, fCnt32 uint32, plaintext []byte) ([]byte, error) {
	wireOrder := reverseBytes(plaintext)
	ct, err := crypto.PayloadCipher(key, dir, [4]byte(devAddr), fCnt32, wireOrder)
	if err != nil {
		return nil, fmt.Errorf("encrypt FRMPayload: %w", err)
	}
	return ct, nil
}

// DecryptFRMPayload turns wire-order ciphertext into canonical plaintext:
// apply the Ai-block keystream, then reverse to canonical order.
func DecryptFRMPayload(key AES128Key, dir crypto.Direction, devAddr DevAddr, fCnt32 uint32, ciphertext []byte) ([]byte, error) {
	pt, err := crypto.PayloadCipher(key, dir, [4]byte(devAddr), fCnt32, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt FRMPayload: %w", err)
	}
	return reverseBytes(pt), nil
}
