// Package gwcore implements the per-connection data-endpoint protocol
// engine and KNX IP Secure session layer for a KNXnet/IP server. Socket
// I/O, discovery/control services, the subnet driver, and the cEMI frame
// codec are external collaborators; this package treats cEMI frames as
// opaque byte buffers plus a tagged message code.
package gwcore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ServiceType identifies a KNXnet/IP service body.
type ServiceType uint16

const (
	SvcConnectionStateReq       ServiceType = 0x0207
	SvcConnectionStateRes       ServiceType = 0x0208
	SvcDeviceConfigurationReq   ServiceType = 0x0310
	SvcDeviceConfigurationAck   ServiceType = 0x0311
	SvcTunnelingReq             ServiceType = 0x0420
	SvcTunnelingAck             ServiceType = 0x0421
	SvcTunnelingFeatureGet      ServiceType = 0x0422
	SvcTunnelingFeatureResponse ServiceType = 0x0423
	SvcTunnelingFeatureSet      ServiceType = 0x0424
	SvcSecureWrapper            ServiceType = 0x0950
	SvcSessionReq               ServiceType = 0x0951
	SvcSessionRes               ServiceType = 0x0952
	SvcSessionAuth              ServiceType = 0x0953
	SvcSessionStatus            ServiceType = 0x0954
)

// HeaderSize is the fixed size of a KNXnet/IP header in bytes.
const HeaderSize = 6

// ProtocolVersion is the only header version this engine accepts.
const ProtocolVersion = 0x10

var (
	// ErrShortHeader is returned when a buffer is too small to hold a header.
	ErrShortHeader = errors.New("gwcore: buffer shorter than header size")
	// ErrBadHeaderSize is returned when the header-size field isn't 0x06.
	ErrBadHeaderSize = errors.New("gwcore: header size field is not 6")
	// ErrTruncated is returned when total_length exceeds the buffer length.
	ErrTruncated = errors.New("gwcore: total length exceeds buffer length")
	// ErrZeroService is returned when service_type is 0.
	ErrZeroService = errors.New("gwcore: zero service type")
	// ErrVersionMismatch is returned when header version isn't 0x10.
	ErrVersionMismatch = errors.New("gwcore: unsupported protocol version")
	// ErrShortBody is returned when a service body is too short to parse.
	ErrShortBody = errors.New("gwcore: service body too short")
)

// Header is the 6-byte KNXnet/IP frame header.
type Header struct {
	Size        byte
	Version     byte
	ServiceType ServiceType
	TotalLength uint16
}

// ParseHeader parses and sanitizes a KNXnet/IP header from buf.
// Sanitization enforces total_length <= len(buf) and service_type != 0
// before any body is handed to a dispatcher.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Size:        buf[0],
		Version:     buf[1],
		ServiceType: ServiceType(binary.BigEndian.Uint16(buf[2:4])),
		TotalLength: binary.BigEndian.Uint16(buf[4:6]),
	}
	if h.Size != HeaderSize {
		return Header{}, ErrBadHeaderSize
	}
	if int(h.TotalLength) > len(buf) {
		return Header{}, ErrTruncated
	}
	if h.ServiceType == 0 {
		return Header{}, ErrZeroService
	}
	return h, nil
}

// CheckVersion reports ErrVersionMismatch if the header isn't version 0x10.
func (h Header) CheckVersion() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: got 0x%02x", ErrVersionMismatch, h.Version)
	}
	return nil
}

// Body returns the slice of buf following the header, up to TotalLength.
func (h Header) Body(buf []byte) []byte {
	if int(h.TotalLength) > len(buf) {
		return nil
	}
	return buf[HeaderSize:h.TotalLength]
}

// Marshal writes the header and returns a new buffer sized for
// HeaderSize+bodyLen, with the body left zeroed for the caller to fill.
func Marshal(svc ServiceType, bodyLen int) []byte {
	buf := make([]byte, HeaderSize+bodyLen)
	buf[0] = HeaderSize
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(svc))
	binary.BigEndian.PutUint16(buf[4:6], uint16(HeaderSize+bodyLen))
	return buf
}

// RequestBody is the body of a *_REQ service: {size=0x04, channel_id, seq,
// reserved=0, cEMI...}.
type RequestBody struct {
	ChannelID byte
	Seq       byte
	CEMI      []byte
}

// ParseRequestBody parses a TUNNELING_REQ/DEVICE_CONFIGURATION_REQ body.
func ParseRequestBody(body []byte) (RequestBody, error) {
	if len(body) < 4 {
		return RequestBody{}, ErrShortBody
	}
	return RequestBody{
		ChannelID: body[1],
		Seq:       body[2],
		CEMI:      body[4:],
	}, nil
}

// Marshal encodes a request body.
func (r RequestBody) Marshal() []byte {
	buf := make([]byte, 4+len(r.CEMI))
	buf[0] = 0x04
	buf[1] = r.ChannelID
	buf[2] = r.Seq
	buf[3] = 0
	copy(buf[4:], r.CEMI)
	return buf
}

// AckStatus is the status byte carried in an ack body.
type AckStatus byte

const (
	StatusNoError             AckStatus = 0x00
	StatusVersionNotSupported AckStatus = 0x20
)

// AckBody is the body of a *_ACK service: {size=0x04, channel_id, seq, status}.
type AckBody struct {
	ChannelID byte
	Seq       byte
	Status    AckStatus
}

// ParseAckBody parses a TUNNELING_ACK/DEVICE_CONFIGURATION_ACK body.
func ParseAckBody(body []byte) (AckBody, error) {
	if len(body) < 4 {
		return AckBody{}, ErrShortBody
	}
	return AckBody{
		ChannelID: body[1],
		Seq:       body[2],
		Status:    AckStatus(body[3]),
	}, nil
}

// Marshal encodes an ack body.
func (a AckBody) Marshal() []byte {
	return []byte{0x04, a.ChannelID, a.Seq, byte(a.Status)}
}

// HostProtocol identifies the transport carried by an HPAI.
type HostProtocol byte

const (
	HostProtocolIPv4UDP HostProtocol = 0x01
	HostProtocolIPv4TCP HostProtocol = 0x02
)

// HPAI is a "host protocol address information" structure: an endpoint's
// host and port, tagged with the transport protocol.
type HPAI struct {
	Protocol HostProtocol
	IP       [4]byte
	Port     uint16
}

// ParseHPAI parses an 8-byte HPAI structure (structure_length, protocol,
// 4-byte IPv4 address, 2-byte port).
func ParseHPAI(buf []byte) (HPAI, error) {
	if len(buf) < 8 || buf[0] != 0x08 {
		return HPAI{}, ErrShortBody
	}
	var h HPAI
	h.Protocol = HostProtocol(buf[1])
	copy(h.IP[:], buf[2:6])
	h.Port = binary.BigEndian.Uint16(buf[6:8])
	return h, nil
}

// Marshal encodes an 8-byte HPAI structure.
func (h HPAI) Marshal() []byte {
	buf := make([]byte, 8)
	buf[0] = 0x08
	buf[1] = byte(h.Protocol)
	copy(buf[2:6], h.IP[:])
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// ConnectionStateReqBody is the body of a CONNECTIONSTATE_REQ:
// {channel_id, reserved, HPAI control endpoint}.
type ConnectionStateReqBody struct {
	ChannelID byte
	Control   HPAI
}

// ParseConnectionStateReqBody parses a CONNECTIONSTATE_REQ body.
func ParseConnectionStateReqBody(body []byte) (ConnectionStateReqBody, error) {
	if len(body) < 10 {
		return ConnectionStateReqBody{}, ErrShortBody
	}
	hpai, err := ParseHPAI(body[2:10])
	if err != nil {
		return ConnectionStateReqBody{}, err
	}
	return ConnectionStateReqBody{ChannelID: body[0], Control: hpai}, nil
}

// ConnectionStateStatus is the status byte of a CONNECTIONSTATE_RES.
type ConnectionStateStatus byte

const (
	ConnStateNoError        ConnectionStateStatus = 0x00
	ConnStateUnknownChannel ConnectionStateStatus = 0x21
)

// ConnectionStateResBody is the body of a CONNECTIONSTATE_RES: {channel_id, status}.
type ConnectionStateResBody struct {
	ChannelID byte
	Status    ConnectionStateStatus
}

// Marshal encodes a CONNECTIONSTATE_RES body.
func (r ConnectionStateResBody) Marshal() []byte {
	return []byte{r.ChannelID, byte(r.Status)}
}

// FeatureID identifies a tunneling-feature get/set target.
type FeatureID byte

const (
	FeatureSupportedEmiTypes        FeatureID = 0x01
	FeatureHostDeviceDescriptor     FeatureID = 0x02
	FeatureBusConnectionStatus      FeatureID = 0x03
	FeatureIndividualAddress        FeatureID = 0x04
	FeatureMaxApduLength            FeatureID = 0x05
	FeatureDeviceDescriptorType0    FeatureID = 0x06
	FeatureConnectionStatus         FeatureID = 0x07
	FeatureManufacturer             FeatureID = 0x08
	FeatureActiveEmiType            FeatureID = 0x09
	FeatureEnableFeatureInfoService FeatureID = 0x0A
)

// FeatureResult is the Result byte of a TUNNELING_FEATURE_RESPONSE.
type FeatureResult byte

const (
	FeatureResultSuccess        FeatureResult = 0x00
	FeatureResultAccessReadOnly FeatureResult = 0x03
)

// FeatureGetBody is the body of a TUNNELING_FEATURE_GET:
// {size, channel_id, seq, reserved, feature_id}.
type FeatureGetBody struct {
	ChannelID byte
	Seq       byte
	Feature   FeatureID
}

// ParseFeatureGetBody parses a TUNNELING_FEATURE_GET body.
func ParseFeatureGetBody(body []byte) (FeatureGetBody, error) {
	if len(body) < 5 {
		return FeatureGetBody{}, ErrShortBody
	}
	return FeatureGetBody{ChannelID: body[1], Seq: body[2], Feature: FeatureID(body[4])}, nil
}

// FeatureSetBody is the body of a TUNNELING_FEATURE_SET: the GET body plus
// the value bytes to write.
type FeatureSetBody struct {
	ChannelID byte
	Seq       byte
	Feature   FeatureID
	Value     []byte
}

// ParseFeatureSetBody parses a TUNNELING_FEATURE_SET body.
func ParseFeatureSetBody(body []byte) (FeatureSetBody, error) {
	if len(body) < 5 {
		return FeatureSetBody{}, ErrShortBody
	}
	return FeatureSetBody{ChannelID: body[1], Seq: body[2], Feature: FeatureID(body[4]), Value: body[5:]}, nil
}

// FeatureResponseBody is the body of a TUNNELING_FEATURE_RESPONSE.
type FeatureResponseBody struct {
	ChannelID byte
	Seq       byte
	Feature   FeatureID
	Result    FeatureResult
	Value     []byte
}

// Marshal encodes a TUNNELING_FEATURE_RESPONSE body.
func (r FeatureResponseBody) Marshal() []byte {
	buf := make([]byte, 6+len(r.Value))
	buf[0] = byte(6 + len(r.Value) - 1)
	buf[1] = r.ChannelID
	buf[2] = r.Seq
	buf[3] = 0
	buf[4] = byte(r.Feature)
	buf[5] = byte(r.Result)
	copy(buf[6:], r.Value)
	return buf
}

// SecureWrapper is the body of a SECURE_SVC frame:
// {session_id(2), seq(6), serial_number(6), msg_tag(2), ciphertext, mac(16)}.
type SecureWrapper struct {
	SessionID    uint16
	Seq          uint64 // 48-bit
	SerialNumber [6]byte
	MsgTag       uint16
	Ciphertext   []byte
	MAC          [16]byte
}

const secureWrapperFixedLen = 2 + 6 + 6 + 2 + 16

// ParseSecureWrapper parses a SECURE_SVC body.
func ParseSecureWrapper(body []byte) (SecureWrapper, error) {
	if len(body) < secureWrapperFixedLen {
		return SecureWrapper{}, ErrShortBody
	}
	var w SecureWrapper
	w.SessionID = binary.BigEndian.Uint16(body[0:2])
	w.Seq = parseUint48(body[2:8])
	copy(w.SerialNumber[:], body[8:14])
	w.MsgTag = binary.BigEndian.Uint16(body[14:16])
	w.Ciphertext = body[16 : len(body)-16]
	copy(w.MAC[:], body[len(body)-16:])
	return w, nil
}

// Marshal encodes a SECURE_SVC body.
func (w SecureWrapper) Marshal() []byte {
	buf := make([]byte, secureWrapperFixedLen+len(w.Ciphertext))
	binary.BigEndian.PutUint16(buf[0:2], w.SessionID)
	putUint48(buf[2:8], w.Seq)
	copy(buf[8:14], w.SerialNumber[:])
	binary.BigEndian.PutUint16(buf[14:16], w.MsgTag)
	copy(buf[16:16+len(w.Ciphertext)], w.Ciphertext)
	copy(buf[16+len(w.Ciphertext):], w.MAC[:])
	return buf
}

func parseUint48(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putUint48(dst []byte, v uint64) {
	for i := 5; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// SessionReqBody is the body of a SESSION_REQ: the client's control HPAI
// followed by its 32-byte X25519 public key.
type SessionReqBody struct {
	Control   HPAI
	ClientPub [32]byte
}

// ParseSessionReqBody parses a SESSION_REQ body.
func ParseSessionReqBody(body []byte) (SessionReqBody, error) {
	if len(body) < 8+32 {
		return SessionReqBody{}, ErrShortBody
	}
	hpai, err := ParseHPAI(body[:8])
	if err != nil {
		return SessionReqBody{}, err
	}
	var r SessionReqBody
	r.Control = hpai
	copy(r.ClientPub[:], body[8:40])
	return r, nil
}

// Marshal encodes a SESSION_REQ body.
func (r SessionReqBody) Marshal() []byte {
	buf := make([]byte, 8+32)
	copy(buf[:8], r.Control.Marshal())
	copy(buf[8:], r.ClientPub[:])
	return buf
}

// SessionResBody is the body of a SESSION_RES: {session_id(2), server_pub(32), mac(16)}.
type SessionResBody struct {
	SessionID uint16
	ServerPub [32]byte
	MAC       [16]byte
}

// Marshal encodes a SESSION_RES body.
func (r SessionResBody) Marshal() []byte {
	buf := make([]byte, 2+32+16)
	binary.BigEndian.PutUint16(buf[0:2], r.SessionID)
	copy(buf[2:34], r.ServerPub[:])
	copy(buf[34:50], r.MAC[:])
	return buf
}

// ParseSessionResBody parses a SESSION_RES body.
func ParseSessionResBody(body []byte) (SessionResBody, error) {
	if len(body) < 2+32+16 {
		return SessionResBody{}, ErrShortBody
	}
	var r SessionResBody
	r.SessionID = binary.BigEndian.Uint16(body[0:2])
	copy(r.ServerPub[:], body[2:34])
	copy(r.MAC[:], body[34:50])
	return r, nil
}

// SessionAuthBody is the body of a SESSION_AUTH (carried inside a
// SECURE_SVC wrapper): {reserved(2), user_id(2), mac(16)}.
type SessionAuthBody struct {
	UserID uint16
	MAC    [16]byte
}

// ParseSessionAuthBody parses a SESSION_AUTH body.
func ParseSessionAuthBody(body []byte) (SessionAuthBody, error) {
	if len(body) < 2+2+16 {
		return SessionAuthBody{}, ErrShortBody
	}
	var a SessionAuthBody
	a.UserID = binary.BigEndian.Uint16(body[2:4])
	copy(a.MAC[:], body[4:20])
	return a, nil
}

// Marshal encodes a SESSION_AUTH body.
func (a SessionAuthBody) Marshal() []byte {
	buf := make([]byte, 2+2+16)
	binary.BigEndian.PutUint16(buf[2:4], a.UserID)
	copy(buf[4:20], a.MAC[:])
	return buf
}

// SessionStatusCode is the status byte of a SESSION_STATUS frame.
type SessionStatusCode byte

const (
	SessionStatusAuthSuccess  SessionStatusCode = 0x00
	SessionStatusAuthFailed   SessionStatusCode = 0x01
	SessionStatusUnauthorized SessionStatusCode = 0x02
	SessionStatusTimeout      SessionStatusCode = 0x03
	SessionStatusKeepAlive    SessionStatusCode = 0x04
	SessionStatusClose        SessionStatusCode = 0x05
)

// SessionStatusBody is the body of a SESSION_STATUS: {status(1), reserved(3)}.
type SessionStatusBody struct {
	Status SessionStatusCode
}

// Marshal encodes a SESSION_STATUS body.
func (s SessionStatusBody) Marshal() []byte {
	return []byte{byte(s.Status), 0, 0, 0}
}
