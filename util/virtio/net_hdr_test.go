package virtio

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetHdr_Size(t *testing.T) {
	assert.EqualValues(t, NetHdrSize, unsafe.Sizeof(NetHdr{}))
}

func TestNetHdr_Encoding(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      NetHdrFNeedsCsum,
		GSOType:    NetHdrGSOTCPv4,
		HdrLen:     42,
		GSOSize:    1472,
		CsumStart:  34,
		CsumOffset: 6,
		NumBuffers: 16,
	}

	buf := make([]byte, NetHdrSize)
	require.NoError(t, vnethdr.Encode(buf))

	assert.Equal(t, []byte{
		0x01, 0x01,
		0x2a, 0x00,
		0xc0, 0x05,
		0x22, 0x00,
		0x06, 0x00,
		0x10, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf))

	assert.Equal(t, vnethdr, decoded)
}

func TestNetHdr_RoundTrip(t *testing.T) {
	gsoTypes := []uint8{NetHdrGSONone, NetHdrGSOTCPv4, NetHdrGSOUDP, NetHdrGSOTCPv6}
	csumOffsets := []uint16{0, 2, 6, 16, 0xffff}

	for _, gso := range gsoTypes {
		for _, ecn := range []bool{false, true} {
			for _, off := range csumOffsets {
				gsoType := gso
				if ecn {
					gsoType |= NetHdrGSOECN
				}

				t.Run(fmt.Sprintf("gso=%#x/csum=%d", gsoType, off), func(t *testing.T) {
					in := NetHdr{
						Flags:      NetHdrFNeedsCsum,
						GSOType:    gsoType,
						HdrLen:     54,
						GSOSize:    1448,
						CsumStart:  34,
						CsumOffset: off,
					}

					buf := make([]byte, NetHdrSize)
					require.NoError(t, in.Encode(buf))

					var out NetHdr
					require.NoError(t, out.Decode(buf))
					assert.Equal(t, in, out)
				})
			}
		}
	}
}

func TestNetHdr_BufferTooSmall(t *testing.T) {
	var h NetHdr
	assert.ErrorIs(t, h.Encode(make([]byte, NetHdrSize-1)), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, h.Decode(make([]byte, NetHdrSize-1)), ErrNetHdrBufferTooSmall)
}

func TestFeature_Has(t *testing.T) {
	f := FeatureBase | FeatureVNetHdr
	assert.True(t, f.Has(FeatureBase))
	assert.True(t, f.Has(FeatureBase|FeatureVNetHdr))
	assert.False(t, Feature(0).Has(FeatureBase))
	assert.False(t, FeatureVNetHdr.Has(FeatureBase))
}
