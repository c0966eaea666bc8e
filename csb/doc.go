// Package csb implements the guest view of the control/status block shared
// with the passthrough backend. The block carries one cursor sub-block per
// ring plus the kick-request hints and the ring geometry. Each endpoint only
// ever writes its own half of the cursor set; everything is exchanged
// through single-word atomic loads and stores, never locks.
package csb
