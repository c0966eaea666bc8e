package virtio

// Feature contains feature bits negotiated with the backend through the
// PTFEAT register. The guest writes the mask it wants, the backend echoes
// the subset it supports.
type Feature uint32

const (
	// FeatureBase is the baseline passthrough protocol. A backend that does
	// not acknowledge this bit cannot drive the rings at all.
	FeatureBase Feature = 1 << 0

	// FeatureVNetHdr indicates that every packet is prefixed with a
	// [NetHdr] in the first slot, carrying checksum and segmentation
	// offload metadata.
	FeatureVNetHdr Feature = 1 << 1
)

// Has reports whether all bits of want are present in f.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}
