package lorawan

import "github.com/lorawan-net/mac-server/pkg/crypto"

// DeriveSessionKeys derives the 1.0.x session keys from the join handshake
// nonces: NwkSKey = AES-ECB-Encrypt(AppKey, 01 ‖ AppNonce ‖ NetID ‖
// DevNonce ‖ pad16), AppSKey likewise with prefix 02.
func DeriveSessionKeys(appKey AES128Key, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (nwkSKey, appSKey AES128Key, err error) {
	nwkMsg := make([]byte, 16)
	nwkMsg[0] = 0x01
	copy(nwkMsg[1:4], appNonce[:])
	copy(nwkMsg[4:7], netID[:])
	copy(nwkMsg[7:9], devNonce[:])

	nwkOut, err := crypto.ECBEncrypt(appKey[:], nwkMsg)
	if err != nil {
		return nwkSKey, appSKey, err
	}
	copy(nwkSKey[:], nwkOut)

	appMsg := make([]byte, 16)
	appMsg[0] = 0x02
	copy(appMsg[1:4], appNonce[:])
	copy(appMsg[4:7], netID[:])
	copy(appMsg[7:9], devNonce[:])

	appOut, err := crypto.ECBEncrypt(appKey[:], appMsg)
	if err != nil {
		return nwkSKey, appSKey, err
	}
	copy(appSKey[:], appOut)

	return nwkSKey, appSKey, nil
}
