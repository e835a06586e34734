package gwcore

import "testing"

func TestX25519Agreement(t *testing.T) {
	server, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	client, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}

	serverShared, err := X25519(server.Private, client.Public)
	if err != nil {
		t.Fatalf("server X25519: %v", err)
	}
	clientShared, err := X25519(client.Private, server.Public)
	if err != nil {
		t.Fatalf("client X25519: %v", err)
	}

	serverKey := DeriveSessionKey(serverShared)
	clientKey := DeriveSessionKey(clientShared)
	if serverKey != clientKey {
		t.Fatalf("session keys diverge: %x != %x", serverKey, clientKey)
	}
}

func TestDeviceAuthMACAndSessionResEnvelope(t *testing.T) {
	server, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	client, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	shared, err := X25519(server.Private, client.Public)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	sessionKey := DeriveSessionKey(shared)

	var deviceAuthKey [16]byte
	copy(deviceAuthKey[:], []byte("0123456789abcdef"))

	mac, err := DeviceAuthMAC(deviceAuthKey, server.Public, client.Public)
	if err != nil {
		t.Fatalf("DeviceAuthMAC: %v", err)
	}

	// S5: the MAC recovered from SESSION_RES, once decrypted under the
	// session key, must equal CBC-MAC(server_pub XOR client_pub).
	encrypted, err := EncryptSessionResMAC(sessionKey, mac)
	if err != nil {
		t.Fatalf("EncryptSessionResMAC: %v", err)
	}
	decrypted, err := DecryptSessionResMAC(sessionKey, encrypted)
	if err != nil {
		t.Fatalf("DecryptSessionResMAC: %v", err)
	}
	if decrypted != mac {
		t.Errorf("decrypted mac = %x, want %x", decrypted, mac)
	}
}

func TestPacketWrapUnwrapRoundTrip(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("sessionkey123456"))
	serial := [6]byte{1, 2, 3, 4, 5, 6}
	plaintext := []byte("a knxnet/ip packet payload")

	ciphertext, err := EncryptPacket(key, serial, 7, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptPacket: %v", err)
	}
	recovered, err := DecryptPacket(key, serial, 7, 0, ciphertext)
	if err != nil {
		t.Fatalf("DecryptPacket: %v", err)
	}
	if string(recovered) != string(plaintext) {
		t.Errorf("recovered = %q, want %q", recovered, plaintext)
	}

	mac1, err := PacketMAC(key, 42, 7, serial, 0, ciphertext)
	if err != nil {
		t.Fatalf("PacketMAC: %v", err)
	}
	mac2, err := PacketMAC(key, 42, 7, serial, 0, ciphertext)
	if err != nil {
		t.Fatalf("PacketMAC: %v", err)
	}
	if mac1 != mac2 {
		t.Errorf("PacketMAC not deterministic: %x != %x", mac1, mac2)
	}

	mac3, err := PacketMAC(key, 42, 8, serial, 0, ciphertext)
	if err != nil {
		t.Fatalf("PacketMAC: %v", err)
	}
	if mac3 == mac1 {
		t.Errorf("PacketMAC did not change with seq")
	}
}

func TestUserAuthMACDeterministic(t *testing.T) {
	var hash [16]byte
	copy(hash[:], []byte("passwordhash1234"))
	var serverPub, clientPub [32]byte
	serverPub[0], clientPub[0] = 1, 2

	m1, err := UserAuthMAC(hash, 5, serverPub, clientPub, 2)
	if err != nil {
		t.Fatalf("UserAuthMAC: %v", err)
	}
	m2, err := UserAuthMAC(hash, 5, serverPub, clientPub, 2)
	if err != nil {
		t.Fatalf("UserAuthMAC: %v", err)
	}
	if m1 != m2 {
		t.Errorf("not deterministic: %x != %x", m1, m2)
	}

	m3, err := UserAuthMAC(hash, 5, serverPub, clientPub, 3)
	if err != nil {
		t.Fatalf("UserAuthMAC: %v", err)
	}
	if m3 == m1 {
		t.Errorf("user id change did not affect mac")
	}
}
