package tally

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/state"
)

// Multiplier derives the obfuscation multiplier of a period, a value in
// [MultiplierMin, MultiplierMin+MultiplierSpan).
func Multiplier(now int64, entropy []byte, periodID uint32, opener common.Identity) uint64 {
	h, _ := blake2b.New256(nil)
	var buff [8]byte
	binary.BigEndian.PutUint64(buff[:], uint64(now))
	h.Write(buff[:])
	h.Write(entropy)
	binary.BigEndian.PutUint32(buff[:4], periodID)
	h.Write(buff[:4])
	h.Write([]byte(opener))
	sum := h.Sum(nil)
	return MultiplierMin + binary.BigEndian.Uint64(sum[:8])%MultiplierSpan
}

// Obfuscate scales a raw aggregate by multiplier.
func Obfuscate(raw, multiplier uint64) uint64 {
	return raw * multiplier / MultiplierBase
}

// Averages returns the obfuscated per-participant averages of a closed
// period. They are only released for periods reaching the k-anonymity
// threshold.
func (s *Service) Averages(ctx context.Context, periodID uint32) (avgA, avgB uint64, err error) {
	p, err := s.period(ctx, periodID)
	if err != nil {
		return 0, 0, err
	}
	if p.State != state.Closed {
		return 0, 0, fmt.Errorf("period %d is %s: %w", periodID, p.State, common.ErrNotFinalized)
	}
	n := len(p.Participants)
	if n < s.c.minParticipants {
		return 0, 0, fmt.Errorf("period %d has %d participants: %w", periodID, n, common.ErrInsufficientParticipants)
	}
	return p.ObfuscatedA / uint64(n), p.ObfuscatedB / uint64(n), nil
}
