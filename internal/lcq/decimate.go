package lcq

import (
	"fmt"
	"time"
)

// Decimator reduces a sample stream by an integer factor with a boxcar
// filter. Output samples start on multiples of the output period; after a
// discontinuity the decimator slips input until the next such boundary.
type Decimator struct {
	factor   int
	in, out  time.Duration
	acc      int64
	count    int
	slipping bool
}

// NewDecimator returns a decimator for input with period in. It starts
// slipping.
func NewDecimator(factor int, in time.Duration) (*Decimator, error) {
	if factor < 2 {
		return nil, fmt.Errorf("decimation factor %d must be at least 2", factor)
	}
	if in <= 0 {
		return nil, fmt.Errorf("invalid input period %v", in)
	}
	return &Decimator{
		factor:   factor,
		in:       in,
		out:      in * time.Duration(factor),
		slipping: true,
	}, nil
}

// Factor returns the decimation factor.
func (d *Decimator) Factor() int { return d.factor }

// Slipping reports whether the decimator waits for an output boundary.
func (d *Decimator) Slipping() bool { return d.slipping }

// Slip discards the filter memory and waits for the next output boundary.
func (d *Decimator) Slip() {
	d.acc = 0
	d.count = 0
	d.slipping = true
}

func (d *Decimator) aligned(t time.Time) bool {
	r := time.Duration(t.UnixNano() % int64(d.out))
	if r < 0 {
		r += d.out
	}
	return r < d.in/2 || d.out-r < d.in/2
}

// Process filters samples, the first taken at t. It returns the time of the
// first output sample and the outputs, which are contiguous.
func (d *Decimator) Process(t time.Time, samples []int32) (time.Time, []int32) {
	var (
		start time.Time
		out   []int32
	)
	for k, v := range samples {
		ts := t.Add(time.Duration(k) * d.in)
		if d.slipping {
			if !d.aligned(ts) {
				continue
			}
			d.slipping = false
		}
		d.acc += int64(v)
		d.count++
		if d.count < d.factor {
			continue
		}
		if out == nil {
			start = ts.Add(-time.Duration(d.factor-1) * d.in)
		}
		out = append(out, int32(d.acc/int64(d.factor)))
		d.acc = 0
		d.count = 0
	}
	return start, out
}

// derivedRate returns the rate of a channel decimated by factor.
func derivedRate(rate, factor int) (int, error) {
	switch {
	case rate > 0 && rate%factor == 0:
		return rate / factor, nil
	case rate > 0 && factor%rate == 0:
		return -(factor / rate), nil
	case rate < 0:
		return rate * factor, nil
	}
	return 0, fmt.Errorf("rate %d is not divisible by factor %d", rate, factor)
}
