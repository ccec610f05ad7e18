package autograd

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// The process-wide RNG backs every random constructor. It is seeded from
// OS entropy on first use and reseedable with ManualSeed for reproducible
// runs. Access is serialized; callers never see the generator directly.
var (
	rngMu   sync.Mutex
	rngOnce sync.Once
	rng     *rand.Rand
)

func initRNG() {
	rngOnce.Do(func() {
		if rng == nil {
			var b [16]byte
			if _, err := cryptorand.Read(b[:]); err != nil {
				panic("autograd: reading OS entropy: " + err.Error())
			}
			rng = rand.New(rand.NewPCG(
				binary.LittleEndian.Uint64(b[:8]),
				binary.LittleEndian.Uint64(b[8:]),
			))
		}
	})
}

// ManualSeed reseeds the process RNG for reproducible runs.
func ManualSeed(seed uint64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	initRNG()
	rng = rand.New(rand.NewPCG(seed, seed))
}

// uniform draws one float32 from [-1, 1).
func uniform() float32 {
	rngMu.Lock()
	defer rngMu.Unlock()
	initRNG()
	return rng.Float32()*2 - 1
}
