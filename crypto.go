package gwcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/flynn/noise"
)

// dh25519 is the X25519 (RFC 7748) primitive. KNX IP Secure runs its own
// SESSION_REQ/RES/AUTH/STATUS exchange rather than Noise, so only the
// bare DH operation is used here, never a full HandshakeState.
var dh25519 = noise.DH25519

var (
	// ErrHandshakeFailed names a failed step of the SESSION_REQ/RES exchange.
	// The store logs and counts such failures; it does not return this error.
	ErrHandshakeFailed = errors.New("gwcore: session handshake failed")
	// ErrMACMismatch names a CBC-MAC that fails to verify. The store drops
	// and counts such packets; it does not return this error.
	ErrMACMismatch = errors.New("gwcore: mac verification failed")
	// ErrCiphertextTooShort names a secure wrapper too short to hold its MAC.
	// ParseSecureWrapper reports that case as ErrShortBody.
	ErrCiphertextTooShort = errors.New("gwcore: ciphertext too short")
)

// X25519KeyPair is an ephemeral Curve25519 key pair used for one handshake.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair creates a fresh ephemeral key pair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	dh, err := dh25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return X25519KeyPair{}, err
	}
	var kp X25519KeyPair
	copy(kp.Private[:], dh.Private)
	copy(kp.Public[:], dh.Public)
	return kp, nil
}

// X25519 performs the Diffie-Hellman operation, returning the raw shared
// secret (the caller must still run it through a KDF before use as a key).
func X25519(private, peerPublic [32]byte) ([]byte, error) {
	return dh25519.DH(private[:], peerPublic[:])
}

// DeriveSessionKey derives the 16-byte AES session key from a raw X25519
// shared secret: K = SHA-256(shared)[0:16].
func DeriveSessionKey(shared []byte) [16]byte {
	sum := sha256.Sum256(shared)
	var key [16]byte
	copy(key[:], sum[:16])
	return key
}

// xorBytes32 XORs two 32-byte slices, used to build the CBC-MAC input for
// SESSION_RES (server_pub XOR client_pub).
func xorBytes32(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// cbcMAC computes an AES-CBC-MAC over data, zero-padded to a block boundary,
// using a zero IV. The result is the final ciphertext block.
func cbcMAC(key []byte, data []byte) ([16]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, err
	}
	padded := make([]byte, (len(data)+aes.BlockSize-1)/aes.BlockSize*aes.BlockSize)
	copy(padded, data)
	if len(padded) == 0 {
		padded = make([]byte, aes.BlockSize)
	}
	mode := cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize))
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	var mac [16]byte
	copy(mac[:], out[len(out)-aes.BlockSize:])
	return mac, nil
}

// DeviceAuthMAC computes the SESSION_RES authentication value:
// CBC-MAC_deviceAuthKey(server_pub XOR client_pub).
func DeviceAuthMAC(deviceAuthKey [16]byte, serverPub, clientPub [32]byte) ([16]byte, error) {
	x := xorBytes32(serverPub, clientPub)
	return cbcMAC(deviceAuthKey[:], x[:])
}

// encryptBlockZeroCounter encrypts a single 16-byte block under AES-CTR
// with an all-zero counter block, the construction KNX IP Secure uses to
// wrap the SESSION_RES MAC (equivalent to one AES-ECB block over the
// zero counter).
func encryptBlockZeroCounter(key [16]byte, block [16]byte) ([16]byte, error) {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	var zeroCtr [16]byte
	stream := cipher.NewCTR(c, zeroCtr[:])
	stream.XORKeyStream(out[:], block[:])
	return out, nil
}

// EncryptSessionResMAC encrypts the device-auth MAC under the session key
// before it is placed on the wire in SESSION_RES.
func EncryptSessionResMAC(sessionKey [16]byte, mac [16]byte) ([16]byte, error) {
	return encryptBlockZeroCounter(sessionKey, mac)
}

// DecryptSessionResMAC reverses EncryptSessionResMAC (AES-CTR is its own
// inverse for a fixed counter).
func DecryptSessionResMAC(sessionKey [16]byte, encrypted [16]byte) ([16]byte, error) {
	return encryptBlockZeroCounter(sessionKey, encrypted)
}

// ctrIV builds the 16-byte AES-CTR counter block for a secured packet from
// its serial number, sequence number and message tag.
func ctrIV(serial [6]byte, seq uint64, msgTag uint16) [16]byte {
	var iv [16]byte
	copy(iv[0:6], serial[:])
	putUint48(iv[6:12], seq)
	iv[12] = byte(msgTag >> 8)
	iv[13] = byte(msgTag)
	// iv[14:16] left as the block counter, zero at the start of each packet.
	return iv
}

// EncryptPacket encrypts plaintext with AES-128-CTR under the session key,
// using the per-packet counter block derived from serial/seq/tag.
func EncryptPacket(sessionKey [16]byte, serial [6]byte, seq uint64, msgTag uint16, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(sessionKey[:])
	if err != nil {
		return nil, err
	}
	iv := ctrIV(serial, seq, msgTag)
	stream := cipher.NewCTR(block, iv[:])
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out, nil
}

// DecryptPacket reverses EncryptPacket (AES-CTR is symmetric).
func DecryptPacket(sessionKey [16]byte, serial [6]byte, seq uint64, msgTag uint16, ciphertext []byte) ([]byte, error) {
	return EncryptPacket(sessionKey, serial, seq, msgTag, ciphertext)
}

// PacketMAC computes the CBC-MAC authenticating a secured packet: the
// session id, seq, serial number, msg tag and ciphertext, in wire order.
func PacketMAC(sessionKey [16]byte, sessionID uint16, seq uint64, serial [6]byte, msgTag uint16, data []byte) ([16]byte, error) {
	buf := make([]byte, 0, 2+6+6+2+len(data))
	buf = append(buf, byte(sessionID>>8), byte(sessionID))
	seqBuf := make([]byte, 6)
	putUint48(seqBuf, seq)
	buf = append(buf, seqBuf...)
	buf = append(buf, serial[:]...)
	buf = append(buf, byte(msgTag>>8), byte(msgTag))
	buf = append(buf, data...)
	return cbcMAC(sessionKey[:], buf)
}

// UserAuthMAC computes the SESSION_AUTH verification value: the user's
// per-session authentication MAC, CBC-MAC'd under their password hash
// over the session id, both handshake public keys, and the claimed user
// id.
func UserAuthMAC(passwordHash [16]byte, sessionID uint16, serverPub, clientPub [32]byte, userID uint16) ([16]byte, error) {
	data := make([]byte, 0, 2+32+32+2)
	data = append(data, byte(sessionID>>8), byte(sessionID))
	data = append(data, serverPub[:]...)
	data = append(data, clientPub[:]...)
	data = append(data, byte(userID>>8), byte(userID))
	return cbcMAC(passwordHash[:], data)
}
