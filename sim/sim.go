// Package sim holds the pure functions of the simulation model: how long a
// checkout takes to serve a customer, when the next customer arrives, and
// how many items they carry.
package sim

import (
	"math"
	"time"

	"github.com/vinayprograms/supermarket/errors"
)

// DefaultServiceSeconds is the fixed service time used when a checkout
// configures neither a base overhead nor a per-item time.
const DefaultServiceSeconds = 2.0

// Rand is the subset of *math/rand.Rand the samplers need.
type Rand interface {
	Float64() float64
	ExpFloat64() float64
	NormFloat64() float64
}

// ServiceSeconds computes overhead + perItem*basketSize.
// All operands must be non-negative.
func ServiceSeconds(basketSize int, overhead, perItem float64) (float64, error) {
	if basketSize < 0 {
		return 0, errors.InvalidArgument("basket_size must be >= 0")
	}
	if overhead < 0 {
		return 0, errors.InvalidArgument("base_seconds must be >= 0")
	}
	if perItem < 0 {
		return 0, errors.InvalidArgument("per_item_seconds must be >= 0")
	}
	return overhead + perItem*float64(basketSize), nil
}

// ServiceParams are the timing parameters of one checkout.
//
// When BaseSeconds or PerItemSeconds is positive, the per-customer model
// applies; otherwise every customer takes ServiceSeconds.
type ServiceParams struct {
	ServiceSeconds float64 `json:"service_seconds"`
	BaseSeconds    float64 `json:"base_seconds"`
	PerItemSeconds float64 `json:"per_item_seconds"`
}

// DefaultServiceParams returns the fixed-time model with the default mean.
func DefaultServiceParams() ServiceParams {
	return ServiceParams{ServiceSeconds: DefaultServiceSeconds}
}

// PerItem reports whether the per-customer model is in effect.
func (p ServiceParams) PerItem() bool {
	return p.BaseSeconds > 0 || p.PerItemSeconds > 0
}

// Validate rejects negative parameters.
func (p ServiceParams) Validate() error {
	if p.ServiceSeconds < 0 {
		return errors.InvalidArgument("service_seconds must be >= 0")
	}
	_, err := ServiceSeconds(0, p.BaseSeconds, p.PerItemSeconds)
	return err
}

// Seconds returns the service time for a basket in seconds.
func (p ServiceParams) Seconds(basketSize int) (float64, error) {
	if p.PerItem() {
		return ServiceSeconds(basketSize, p.BaseSeconds, p.PerItemSeconds)
	}
	if p.ServiceSeconds < 0 {
		return 0, errors.InvalidArgument("service_seconds must be >= 0")
	}
	return p.ServiceSeconds, nil
}

// Duration is Seconds as a time.Duration.
func (p ServiceParams) Duration(basketSize int) (time.Duration, error) {
	s, err := p.Seconds(basketSize)
	if err != nil {
		return 0, err
	}
	return Seconds(s), nil
}

// Seconds converts fractional seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Interarrival samples the wait until the next arrival of a Poisson process
// with the given rate (customers per second).
func Interarrival(rng Rand, ratePerSec float64) (time.Duration, error) {
	if ratePerSec <= 0 || math.IsNaN(ratePerSec) || math.IsInf(ratePerSec, 0) {
		return 0, errors.InvalidArgument("rate must be > 0")
	}
	return Seconds(rng.ExpFloat64() / ratePerSec), nil
}

// knuthLimit is the largest mean sampled exactly; above it the Gaussian
// approximation N(mean, sqrt(mean)) is used.
const knuthLimit = 30

// BasketSize samples a non-negative item count with the given mean.
func BasketSize(rng Rand, mean float64) int {
	if mean <= 0 || math.IsNaN(mean) {
		return 0
	}
	if mean <= knuthLimit {
		l := math.Exp(-mean)
		k := 0
		p := 1.0
		for p > l {
			k++
			p *= rng.Float64()
		}
		return k - 1
	}
	n := int(mean + math.Sqrt(mean)*rng.NormFloat64())
	if n < 0 {
		return 0
	}
	return n
}
