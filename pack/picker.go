package pack

import (
	"math/rand/v2"
	"sync"
)

// Picker chooses veil lines uniformly at random.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker returns a Picker over src, or a randomly seeded PCG when nil.
func NewPicker(src rand.Source) *Picker {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Picker{rng: rand.New(src)}
}

// Pick returns one line, or "" when lines is empty.
func (p *Picker) Pick(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	p.mu.Lock()
	i := p.rng.IntN(len(lines))
	p.mu.Unlock()
	return lines[i]
}
