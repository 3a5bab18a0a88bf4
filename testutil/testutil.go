package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/cytovae/patch"
	"github.com/hupe1980/cytovae/relation"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// UniformStack generates a stack of n patches of pure pixel noise in [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformStack(n, c, h, w int) *patch.Stack {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, n*c*h*w)
	for i := range data {
		data[i] = r.rand.Float32()
	}

	return mustStack(data, n, c, h, w)
}

// CellStack generates patches that each contain one bright cell-like blob on
// a dim noisy background. Blob position, radius and brightness are jittered
// per patch, so the stack is structured without being constant. Useful when a
// test needs data a reconstruction can actually latch onto.
func (r *RNG) CellStack(n, c, h, w int) *patch.Stack {
	stack, _ := r.cellStack(n, c, h, w, false)
	return stack
}

// CellStackWithMasks generates the same blob patches as CellStack together
// with a single-channel binary mask stack marking each blob's footprint.
func (r *RNG) CellStackWithMasks(n, c, h, w int) (*patch.Stack, *patch.Stack) {
	return r.cellStack(n, c, h, w, true)
}

func (r *RNG) cellStack(n, c, h, w int, withMasks bool) (*patch.Stack, *patch.Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, n*c*h*w)
	var maskData []float32
	if withMasks {
		maskData = make([]float32, n*h*w)
	}

	for i := range n {
		// Blob center stays in the middle half of the patch so the cell
		// never gets clipped at the border.
		cx := float64(w)/2 + (r.rand.Float64()-0.5)*float64(w)/4
		cy := float64(h)/2 + (r.rand.Float64()-0.5)*float64(h)/4
		sigma := float64(min(h, w)) / 8 * (0.75 + r.rand.Float64()/2)

		for ch := range c {
			amp := 0.5 + r.rand.Float64()/2
			base := (i*c + ch) * h * w
			for y := range h {
				for x := range w {
					d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
					v := amp*math.Exp(-d2/(2*sigma*sigma)) + 0.05*r.rand.Float64()
					if v > 1 {
						v = 1
					}
					data[base+y*w+x] = float32(v)
				}
			}
		}

		if withMasks {
			// Footprint is the 2-sigma disk around the blob center.
			base := i * h * w
			for y := range h {
				for x := range w {
					d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
					if d2 <= 4*sigma*sigma {
						maskData[base+y*w+x] = 1
					}
				}
			}
		}
	}

	stack := mustStack(data, n, c, h, w)
	if !withMasks {
		return stack, nil
	}
	return stack, mustStack(maskData, n, 1, h, w)
}

// TrajectoryGraph partitions the indices [0, n) into numTrajectories cell
// trajectories and returns the relation graph an annotation pipeline would
// produce for them: AdjacentFrame between consecutive frames of a trajectory
// and SameTrajectory between its remaining pairs. The frame indices of each
// trajectory are returned alongside the graph.
//
// Frames of one trajectory are deliberately interleaved with frames of the
// others, so reordering a stack by the graph is non-trivial.
func (r *RNG) TrajectoryGraph(n, numTrajectories int) (relation.Graph, [][]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trajectories := make([][]int, numTrajectories)
	for i, idx := range r.rand.Perm(n) {
		t := i % numTrajectories
		trajectories[t] = append(trajectories[t], idx)
	}

	graph := relation.Graph{}
	for _, frames := range trajectories {
		for a := 0; a < len(frames); a++ {
			for b := a + 1; b < len(frames); b++ {
				kind := relation.SameTrajectory
				if b == a+1 {
					kind = relation.AdjacentFrame
				}
				graph.Add(frames[a], frames[b], kind)
			}
		}
	}

	return graph, trajectories
}

// MSE computes the mean squared error between two stacks of identical size.
// Used as the exact reference metric when verifying reconstructions.
func MSE(a, b *patch.Stack) float64 {
	da, db := a.Data(), b.Data()
	if len(da) != len(db) {
		panic("testutil: stack size mismatch")
	}

	var sum float64
	for i := range da {
		d := float64(da[i]) - float64(db[i])
		sum += d * d
	}

	return sum / float64(len(da))
}

func mustStack(data []float32, n, c, h, w int) *patch.Stack {
	s, err := patch.NewStack(data, n, c, h, w)
	if err != nil {
		panic(err)
	}
	return s
}
