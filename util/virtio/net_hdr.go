package virtio

import (
	"errors"
	"unsafe"
)

// NetHdrSize is the number of bytes needed to store a [NetHdr] in memory.
const NetHdrSize = 12

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// Flags for [NetHdr.Flags].
const (
	// NetHdrFNeedsCsum signals that the packet carries a partial checksum:
	// the peer must compute the 16-bit checksum over the bytes starting at
	// CsumStart and store it CsumOffset bytes after that.
	NetHdrFNeedsCsum uint8 = 1

	// NetHdrFDataValid signals that the packet checksum was already
	// verified, so the receiver may skip validation.
	NetHdrFDataValid uint8 = 2
)

// Segmentation types for [NetHdr.GSOType].
const (
	NetHdrGSONone  uint8 = 0
	NetHdrGSOTCPv4 uint8 = 1
	NetHdrGSOUDP   uint8 = 3
	NetHdrGSOTCPv6 uint8 = 4

	// NetHdrGSOECN is ORed into GSOType when the segmented protocol had
	// explicit congestion notification set.
	NetHdrGSOECN uint8 = 0x80
)

// NetHdr is the per-packet metadata record prefixed to the first slot of a
// packet when the vnet-header feature was negotiated. The layout matches
// virtio_net_hdr_v1 as described by the virtio specification.
type NetHdr struct {
	// Flags that describe the packet, see NetHdrF*.
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used
	// for the packet, see NetHdrGSO*.
	GSOType uint8
	// HdrLen is the number of bytes from the beginning of the packet to the
	// beginning of the transport payload, i.e. the headers that need to be
	// replicated when segmenting.
	HdrLen uint16
	// GSOSize contains the maximum payload size of each segmented packet.
	// In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart contains the offset within the packet from which on the
	// checksum should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the
	// computed 16-bit checksum should be inserted.
	CsumOffset uint16
	// NumBuffers is only meaningful for received packets with merged
	// buffers and stays zero on the transmit side.
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must
// contain at least [NetHdrSize] bytes.
func (v *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize), data[:NetHdrSize])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must have
// room for at least [NetHdrSize] bytes.
func (v *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(data[:NetHdrSize], unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize))
	return nil
}
