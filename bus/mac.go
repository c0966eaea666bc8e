package bus

import "net"

// DecodeMAC unpacks the backend-assigned MAC address from the MAC_HI/MAC_LO
// register pair. The high register carries the first two bytes in its low
// half, the low register the remaining four.
func DecodeMAC(hi, lo uint32) net.HardwareAddr {
	return net.HardwareAddr{
		byte(hi >> 8), byte(hi),
		byte(lo >> 24), byte(lo >> 16), byte(lo >> 8), byte(lo),
	}
}

// EncodeMAC packs a MAC address into the MAC_HI/MAC_LO register pair. Used
// by backend implementations.
func EncodeMAC(mac net.HardwareAddr) (hi, lo uint32) {
	hi = uint32(mac[0])<<8 | uint32(mac[1])
	lo = uint32(mac[2])<<24 | uint32(mac[3])<<16 | uint32(mac[4])<<8 | uint32(mac[5])
	return hi, lo
}
