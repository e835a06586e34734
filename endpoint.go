package gwcore

import (
	"fmt"
	"net"
)

// Addr is a host+port pair for a control or data endpoint, the in-memory
// counterpart of an on-wire HPAI.
type Addr struct {
	IP   net.IP
	Port uint16
}

// String renders the endpoint as host:port.
func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// HPAI encodes the address as an HPAI structure for the given transport.
func (a Addr) HPAI(proto HostProtocol) HPAI {
	var h HPAI
	h.Protocol = proto
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(h.IP[:], ip4)
	}
	h.Port = a.Port
	return h
}

// AddrFromHPAI converts an on-wire HPAI into an Addr.
func AddrFromHPAI(h HPAI) Addr {
	return Addr{IP: net.IP(h.IP[:]).To4(), Port: h.Port}
}

// SerialNumber is the 6-byte identifier a server stamps into secure
// packets, normally derived from the MAC address of the NIC bound to the
// control endpoint's local address.
type SerialNumber [6]byte

// LocalSerialNumber derives the serial number from the hardware address of
// the interface whose addresses include localAddr. It returns six zero
// bytes (never an error) if no matching interface or hardware address is
// found.
func LocalSerialNumber(localAddr net.IP) SerialNumber {
	var sno SerialNumber
	ifaces, err := net.Interfaces()
	if err != nil {
		return sno
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || !ipNet.IP.Equal(localAddr) {
				continue
			}
			if len(iface.HardwareAddr) >= 6 {
				copy(sno[:], iface.HardwareAddr[:6])
				return sno
			}
		}
	}
	return sno
}
