package testexec

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// SamplingMethod selects how items are drawn from the population
type SamplingMethod string

const (
	MethodRandom     SamplingMethod = "random"
	MethodSystematic SamplingMethod = "systematic"
)

func (m SamplingMethod) IsValid() bool {
	return m == MethodRandom || m == MethodSystematic
}

// maxSampleSearch bounds the sample size search for extreme parameters
const maxSampleSearch = 100000

// RecommendedSampleSize computes the attribute sampling size for a population.
//
// n0 is the smallest n for which observing at most ceil(n*expected) exceptions
// would occur with probability at most 1-confidence if the true exception
// rate were the tolerable rate:
//
//	BinomCDF(ceil(n*expected); n, tolerable) <= 1 - confidence
//
// The finite population correction n = ceil(n0 / (1 + (n0-1)/N)) is then
// applied and the result capped at N. At 95% confidence and 10% tolerable
// rate this yields 29 for a 0% expected rate and 46 for 1%.
func RecommendedSampleSize(population int, confidence, tolerable, expected decimal.Decimal) (int, error) {
	if population <= 0 {
		return 0, invalidMethodology("population size must be positive")
	}
	one := decimal.NewFromInt(1)
	if !confidence.IsPositive() || confidence.GreaterThanOrEqual(one) {
		return 0, invalidMethodology("confidence level must be between 0 and 1")
	}
	if !tolerable.IsPositive() || tolerable.GreaterThanOrEqual(one) {
		return 0, invalidMethodology("tolerable exception rate must be between 0 and 1")
	}
	if expected.IsNegative() || expected.GreaterThanOrEqual(tolerable) {
		return 0, invalidMethodology("expected exception rate must be below the tolerable rate")
	}

	risk := one.Sub(confidence).InexactFloat64()
	t := tolerable.InexactFloat64()
	e := expected.InexactFloat64()

	n0 := 0
	for n := 1; n <= maxSampleSearch; n++ {
		k := int(math.Ceil(float64(n) * e))
		if binomialCDF(k, n, t) <= risk {
			n0 = n
			break
		}
	}
	if n0 == 0 {
		return 0, invalidMethodology("no sample size satisfies the requested parameters")
	}

	corrected := int(math.Ceil(float64(n0) / (1 + float64(n0-1)/float64(population))))
	if corrected > population {
		corrected = population
	}
	if corrected < 1 {
		corrected = 1
	}
	return corrected, nil
}

// binomialCDF returns P(X <= k) for X ~ Binomial(n, p), summed in log space
func binomialCDF(k, n int, p float64) float64 {
	if k >= n {
		return 1
	}
	lp, lq := math.Log(p), math.Log1p(-p)
	lgN, _ := math.Lgamma(float64(n + 1))
	sum := 0.0
	for i := 0; i <= k; i++ {
		lgI, _ := math.Lgamma(float64(i + 1))
		lgNI, _ := math.Lgamma(float64(n - i + 1))
		sum += math.Exp(lgN - lgI - lgNI + float64(i)*lp + float64(n-i)*lq)
	}
	return sum
}

// DrawSample selects size distinct items from a population numbered
// 1..population. The draw is a pure function of its inputs: the generator is
// seeded with the seed and a hash of key, so the same seed reproduces the same
// sample while different keys never share a stream. Indices are returned in
// ascending order.
func DrawSample(population, size int, method SamplingMethod, seed uint64, key string) ([]int, error) {
	if population <= 0 {
		return nil, invalidMethodology("population size must be positive")
	}
	if size <= 0 || size > population {
		return nil, invalidMethodology(fmt.Sprintf("sample size must be between 1 and %d", population))
	}
	if !method.IsValid() {
		return nil, errors.NewValidationError("INVALID_SAMPLING_METHOD", "sampling method must be random or systematic")
	}

	rng := rand.New(rand.NewPCG(seed, streamFor(key)))

	var picked []int
	switch method {
	case MethodRandom:
		// Floyd's algorithm: size draws without materialising the population
		chosen := make(map[int]bool, size)
		picked = make([]int, 0, size)
		for j := population - size; j < population; j++ {
			t := rng.IntN(j + 1)
			if chosen[t] {
				t = j
			}
			chosen[t] = true
			picked = append(picked, t+1)
		}
	case MethodSystematic:
		interval := population / size
		start := rng.IntN(interval)
		picked = make([]int, size)
		for i := 0; i < size; i++ {
			picked[i] = start + i*interval + 1
		}
	}

	sort.Ints(picked)
	return picked, nil
}

func streamFor(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func invalidMethodology(message string) error {
	return errors.NewValidationError(errors.CodeInvalidMethodology, message)
}
