package crypto

import (
	"encoding/binary"
)

// CircuitAAD is the associated data binding a sealed body to its circuit.
func CircuitAAD(circuitID uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], circuitID)
	return buf[:]
}
