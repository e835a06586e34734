package gwcore

import (
	"encoding/binary"
	"fmt"
)

// MessageCode is the first byte of a cEMI frame, identifying its class
// (L_Data, Busmon, device-management). The core treats everything after
// the code as an opaque payload; full cEMI decoding belongs to the
// subnet driver.
type MessageCode byte

const (
	MCLDataReq     MessageCode = 0x11
	MCLDataCon     MessageCode = 0x2E
	MCLDataInd     MessageCode = 0x29
	MCBusmonInd    MessageCode = 0x2B
	MCPropReadReq  MessageCode = 0xFC
	MCPropReadCon  MessageCode = 0xFB
	MCPropWriteReq MessageCode = 0xF6
	MCPropWriteCon MessageCode = 0xF5
	MCResetReq     MessageCode = 0xF1
	MCResetInd     MessageCode = 0xF0
)

// IndividualAddress is a 16-bit KNX device address, conventionally rendered
// area.line.device.
type IndividualAddress uint16

// String renders the address in area.line.device form.
func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a>>12, (a>>8)&0x0F, a&0xFF)
}

// Bytes encodes the address as the 2 big-endian bytes used on the wire.
func (a IndividualAddress) Bytes() [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(a))
	return b
}

// CEMIFrame is an opaque cEMI frame tagged with its message code. Raw
// always includes the code byte at index 0.
type CEMIFrame struct {
	Code MessageCode
	Raw  []byte
}

// ParseCEMI sniffs the message code off the front of an inbound cEMI
// buffer without interpreting the rest.
func ParseCEMI(buf []byte) (CEMIFrame, bool) {
	if len(buf) == 0 {
		return CEMIFrame{}, false
	}
	return CEMIFrame{Code: MessageCode(buf[0]), Raw: buf}, true
}

// sourceAddrOffset locates the 2-byte source-address field inside an
// L_Data frame: code, addInfoLen, ctrl1, ctrl2, src(2), dst(2), ...
func (f CEMIFrame) sourceAddrOffset() (int, bool) {
	if len(f.Raw) < 2 {
		return 0, false
	}
	addInfoLen := int(f.Raw[1])
	off := 2 + addInfoLen + 2
	if len(f.Raw) < off+2 {
		return 0, false
	}
	return off, true
}

// SourceAddress returns the source individual address of an L_Data frame.
func (f CEMIFrame) SourceAddress() (IndividualAddress, bool) {
	off, ok := f.sourceAddrOffset()
	if !ok {
		return 0, false
	}
	return IndividualAddress(binary.BigEndian.Uint16(f.Raw[off : off+2])), true
}

// WithSourceAddress returns a copy of the frame with its source address
// field overwritten, used for the 0/0/0 -> assigned-address rewrite on
// linklayer channels.
func (f CEMIFrame) WithSourceAddress(addr IndividualAddress) CEMIFrame {
	off, ok := f.sourceAddrOffset()
	if !ok {
		return f
	}
	out := make([]byte, len(f.Raw))
	copy(out, f.Raw)
	binary.BigEndian.PutUint16(out[off:off+2], uint16(addr))
	return CEMIFrame{Code: f.Code, Raw: out}
}
