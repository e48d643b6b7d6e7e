package bot

import (
	"math/rand/v2"
	"sync"
)

// LockedRand is a seeded PCG source safe for concurrent use.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewRand(seed1, seed2 uint64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewPCG(seed1, seed2))}
}

// NewRandFromEntropy seeds from the runtime's random source.
func NewRandFromEntropy() *LockedRand {
	return NewRand(rand.Uint64(), rand.Uint64())
}

func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
