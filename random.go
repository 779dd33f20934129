package pktsim

import (
	"github.com/iti/rngstream"
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// RandomSource yields uniform draws on [0,1).  Every component that makes
// random choices owns its own source, named after the component.
type RandomSource interface {
	RandU01() float64
}

// seededStream is a RandomSource determined by the run seed and the component name
type seededStream struct {
	rng *rand.Rand
}

func (ss *seededStream) RandU01() float64 {
	return ss.rng.Float64()
}

// rngstreamModulus bounds the six seed words of an rngstream stream; every
// word must be below m2 = 4294944443 and none may be zero
const rngstreamModulus = 4294944443

// nameHash is the 64-bit FNV-1a hash of a component name
func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// newRandomSource returns the stream for the named component.  With a
// non-zero seed the component gets a PCG stream keyed by the seed and its
// name.  With a zero seed it gets an L'Ecuyer rngstream whose initial state is
// derived from the name alone, so the stream never depends on other streams
// created in the process.
func newRandomSource(name string, seed uint64) RandomSource {
	if seed == 0 {
		return namedStream(name)
	}
	return &seededStream{rng: rand.New(rand.NewPCG(seed, nameHash(name)))}
}

// namedStream builds an rngstream stream with a private seed.  rngstream.New
// would advance the package-wide seed, so the stream is seeded directly.
func namedStream(name string) *rngstream.RngStream {
	words := rand.New(rand.NewPCG(0, nameHash(name)))
	seed := make([]uint64, 6)
	for i := range seed {
		seed[i] = 1 + words.Uint64N(rngstreamModulus-1)
	}
	g := new(rngstream.RngStream)
	g.SetSeed(seed)
	return g
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampler is the signature of the functions drawing a period length, in
// seconds, from a rate given as params[0]
type sampler func(u01 float64, params []float64) float64

func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}

// samplerFor maps a distribution name to its sampler
func samplerFor(model string) (sampler, bool) {
	switch model {
	case "expon", "exp", "exponential":
		return sampleExpRV, true
	case "const", "constant", "":
		return sampleConst, true
	}
	return nil, false
}
