package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so envelope encoding is deterministic.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ResultEnvelope is the structured payload of the run-completion event.
type ResultEnvelope struct {
	OK         bool   `cbor:"ok"`
	Error      string `cbor:"error,omitempty"`
	DurationMS int64  `cbor:"duration_ms"`
}

// StatsEnvelope is the structured payload of the allocator stats report.
type StatsEnvelope struct {
	PoolUsed     int  `cbor:"pool_used"`
	HeapUsed     int  `cbor:"heap_used"`
	Total        int  `cbor:"total"`
	Peak         int  `cbor:"peak"`
	AltAvailable bool `cbor:"alt_available"`
}

// MarshalResult serializes a ResultEnvelope to CBOR bytes.
func MarshalResult(r *ResultEnvelope) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalResult deserializes a ResultEnvelope from CBOR bytes.
func UnmarshalResult(data []byte) (*ResultEnvelope, error) {
	var r ResultEnvelope
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: unmarshal result: %w", err)
	}
	return &r, nil
}

// MarshalStats serializes a StatsEnvelope to CBOR bytes.
func MarshalStats(s *StatsEnvelope) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalStats deserializes a StatsEnvelope from CBOR bytes.
func UnmarshalStats(data []byte) (*StatsEnvelope, error) {
	var s StatsEnvelope
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: unmarshal stats: %w", err)
	}
	return &s, nil
}
