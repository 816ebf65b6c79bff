package refimpl

import (
	"encoding/binary"
	mrand "math/rand"

	"mixminion.io/client/mixnet"
)

// Random wraps math/rand.Rand, seeded from a cryptographic source, to
// satisfy mixnet.Random. math/rand is used only for the mechanics of
// sampling without replacement and shuffling; all entropy originates
// from the injected mixnet.Crypto.
type Random struct {
	r *mrand.Rand
}

var _ mixnet.Random = (*Random)(nil)

// NewRandom constructs a Random seeded from c.
func NewRandom(c mixnet.Crypto) (*Random, error) {
	seedBytes, err := c.RandomBytes(8)
	if err != nil {
		return nil, err
	}
	seed := int64(binary.BigEndian.Uint64(seedBytes))
	return &Random{r: mrand.New(mrand.NewSource(seed))}, nil
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (rr *Random) Intn(n int) int { return rr.r.Intn(n) }

// Shuffle randomizes the order of a slice of length n using swap.
func (rr *Random) Shuffle(n int, swap func(i, j int)) { rr.r.Shuffle(n, swap) }
