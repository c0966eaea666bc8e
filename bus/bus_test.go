package bus

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMAC_RoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}

	hi, lo := EncodeMAC(mac)
	assert.Equal(t, uint32(0x02aa), hi)
	assert.Equal(t, uint32(0xbbccddee), lo)

	assert.Equal(t, mac, DecodeMAC(hi, lo))
}

func TestRegister_String(t *testing.T) {
	assert.Equal(t, "PTFEAT", RegPTFeat.String())
	assert.Equal(t, "TXKICK", RegTxKick.String())
	assert.Equal(t, "unknown", Register(0x1000).String())
}
