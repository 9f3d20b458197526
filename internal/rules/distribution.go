// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"grimm.is/netshape/internal/errors"
)

// Distribution samples a delay around mean with spread jitter. Results are never negative.
type Distribution interface {
	Name() string
	Sample(r *rand.Rand, mean, jitter time.Duration) time.Duration
}

// Uniform spreads delays evenly over [mean-jitter, mean+jitter].
type Uniform struct{}

func (Uniform) Name() string { return "uniform" }

func (Uniform) Sample(r *rand.Rand, mean, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return clampDelay(mean)
	}
	off := time.Duration(r.Int64N(2*int64(jitter)+1)) - jitter
	return clampDelay(mean + off)
}

// Normal draws delays from a normal distribution with standard deviation jitter.
type Normal struct{}

func (Normal) Name() string { return "normal" }

func (Normal) Sample(r *rand.Rand, mean, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return clampDelay(mean)
	}
	return clampDelay(mean + time.Duration(r.NormFloat64()*float64(jitter)))
}

// Pareto adds a heavy tail above mean. With the default shape of 2 the
// expected extra delay equals jitter.
type Pareto struct {
	Shape float64
}

func (Pareto) Name() string { return "pareto" }

// paretoCap bounds a single sample to mean + paretoCap*jitter.
const paretoCap = 100

func (p Pareto) Sample(r *rand.Rand, mean, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return clampDelay(mean)
	}
	shape := p.Shape
	if shape <= 1 {
		shape = 2
	}
	scale := float64(jitter) * (shape - 1)
	u := 1 - r.Float64()
	extra := scale*math.Pow(u, -1/shape) - scale
	extra = math.Min(extra, paretoCap*float64(jitter))
	return clampDelay(mean + time.Duration(extra))
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var distributions = map[string]Distribution{
	"uniform": Uniform{},
	"normal":  Normal{},
	"pareto":  Pareto{},
}

// DistributionByName returns a registered distribution. Empty selects uniform.
func DistributionByName(name string) (Distribution, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Uniform{}, nil
	}
	if d, ok := distributions[n]; ok {
		return d, nil
	}
	return nil, errors.Attr(errors.Errorf(errors.KindConfig, "unknown jitter distribution %q (have %s)",
		name, strings.Join(DistributionNames(), ", ")), "field", "jitter_distribution")
}

// DistributionNames lists registered distribution names.
func DistributionNames() []string {
	names := make([]string, 0, len(distributions))
	for n := range distributions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
