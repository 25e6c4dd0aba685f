package verify

import (
	"context"
	"fmt"

	"github.com/bsv-blockchain/go-chaintracks/chainmanager"

	"github.com/blockberries/headerberry/types"
)

// DifficultyVerifier accepts a header when its solution has the expected
// length and its hash does not exceed the target encoded in its bits.
//
// It does not run the Equihash solver check itself.
type DifficultyVerifier struct {
	solutionSize int
}

// NewDifficultyVerifier creates a DifficultyVerifier expecting solutions of
// solutionSize bytes. A non-positive size selects EquihashSolutionSize.
func NewDifficultyVerifier(solutionSize int) *DifficultyVerifier {
	if solutionSize <= 0 {
		solutionSize = types.EquihashSolutionSize
	}
	return &DifficultyVerifier{solutionSize: solutionSize}
}

// Verify implements SolutionVerifier.
func (d *DifficultyVerifier) Verify(_ context.Context, header *types.Header) error {
	if len(header.Solution) != d.solutionSize {
		return fmt.Errorf("%w: solution is %d bytes, want %d",
			types.ErrInvalidProofOfWork, len(header.Solution), d.solutionSize)
	}

	target := chainmanager.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: bits %08x encode a non-positive target", types.ErrInvalidProofOfWork, header.Bits)
	}

	if types.HashToBig(header.Hash()).Cmp(target) > 0 {
		return fmt.Errorf("%w: hash above target for bits %08x", types.ErrInvalidProofOfWork, header.Bits)
	}
	return nil
}
