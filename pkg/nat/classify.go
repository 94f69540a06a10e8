// Package nat classifies how the local NAT maps TCP source ports and
// predicts the external ports a punch will use.
package nat

import (
	"sync"

	"github.com/saintparish4/unl/pkg/types"
)

// MinDeltaSamples is the fewest samples that can establish a delta mapping
const MinDeltaSamples = 3

// Sample is one observed mapping: the local source port of a connection and
// the source port the server saw for it.
type Sample struct {
	Local  int
	Remote int
}

// Classify infers the NAT class from samples.
//
// Every remote port equal to its local port means the NAT preserves ports.
// A constant, non-zero step between successive remote ports over at least
// MinDeltaSamples samples means a delta NAT. Anything else is random.
func Classify(samples []Sample) (types.NatClass, int) {
	if len(samples) == 0 {
		return types.NatUnknown, 0
	}

	preserving := true
	for _, s := range samples {
		if s.Local != s.Remote {
			preserving = false
			break
		}
	}
	if preserving {
		return types.NatPreserving, 0
	}

	if len(samples) < MinDeltaSamples {
		return types.NatRandom, 0
	}
	delta := samples[1].Remote - samples[0].Remote
	if delta == 0 {
		return types.NatRandom, 0
	}
	for i := 2; i < len(samples); i++ {
		if samples[i].Remote-samples[i-1].Remote != delta {
			return types.NatRandom, 0
		}
	}
	return types.NatDelta, delta
}

// Punchable reports whether two nodes of the given classes can plausibly
// meet with a simultaneous open. Two random mappings never line up.
func Punchable(a, b types.NatClass) bool {
	return !(a == types.NatRandom && b == types.NatRandom)
}

// Predictor turns a classification into candidate external ports
type Predictor struct {
	mu    sync.Mutex
	class types.NatClass
	delta int
	last  int
}

// NewPredictor builds a predictor from a classification and the samples it
// was made from. The last sample seeds delta prediction.
func NewPredictor(class types.NatClass, delta int, samples []Sample) *Predictor {
	p := &Predictor{class: class, delta: delta}
	if len(samples) > 0 {
		p.last = samples[len(samples)-1].Remote
	}
	return p
}

// Class returns the NAT class the predictor works from
func (p *Predictor) Class() types.NatClass {
	if p == nil {
		return types.NatUnknown
	}
	return p.class
}

// Predict returns the external ports to offer for a punch from localPort,
// most likely first. A delta prediction consumes one mapping step.
func (p *Predictor) Predict(localPort int) []int {
	if p == nil {
		return []int{localPort}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.class != types.NatDelta || p.last == 0 {
		return []int{localPort}
	}
	next := p.last + p.delta
	if !types.ValidPort(next) {
		return []int{localPort}
	}
	p.last = next
	if next == localPort {
		return []int{next}
	}
	return []int{next, localPort}
}
