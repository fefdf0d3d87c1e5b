package dataset

import "math/rand"

// newRNG returns a deterministic generator for the given seed.
func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// effectiveSeed perturbs the base seed with the epoch so that every epoch
// reshuffles differently while epoch 0 uses the seed as-is.
func effectiveSeed(seed int64, epoch int) int64 {
	if epoch == 0 {
		return seed
	}
	return newRNG(seed).Int63() - int64(epoch)
}

// discardDraws advances the generator past n draws so a resumed iteration
// continues the same random sequence.
func discardDraws(rng *rand.Rand, n int) {
	for i := 0; i < n; i++ {
		rng.Int63()
	}
}
