// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the PTIMER timeslice scaling used when writing TSG
// runlist entries.
package ptimer

import (
	"errors"
	"fmt"
	"math"
)

// PTIMER_REF_FREQ_HZ is the frequency timeslices are specified against.
const PTIMER_REF_FREQ_HZ = 31250000

// PTIMER_FP_FACTOR is the fixed point precision of ScaleFactor.
const PTIMER_FP_FACTOR = 1000000

// Source frequencies of the supported platforms
const (
	PTIMER_SRC_FREQ_19_2MHZ  = 19200000 // gk20a, gm20b
	PTIMER_SRC_FREQ_31_25MHZ = 31250000 // ga10b and dGPUs
)

var ErrScale = errors.New("ptimer scale out of range")

// Scaler converts microseconds to PTIMER ticks of a platform whose PTIMER
// runs at SrcFreqHz. A slower source yields fewer ticks.
type Scaler struct {
	SrcFreqHz uint32
}

// scalingFactor10x is PTIMER_REF_FREQ_HZ / SrcFreqHz in tenths, truncated.
func (s Scaler) scalingFactor10x() uint32 {
	if s.SrcFreqHz == 0 {
		return 0
	}
	return uint32(uint64(PTIMER_REF_FREQ_HZ) * 10 / uint64(s.SrcFreqHz))
}

// Scale returns us * 10 / scalingFactor10x, rounded half up.
func (s Scaler) Scale(us uint32) (uint32, error) {
	if us > math.MaxUint32/10 {
		return 0, fmt.Errorf("%w: %d us overflows", ErrScale, us)
	}
	scale10x := s.scalingFactor10x()
	if scale10x == 0 {
		return 0, fmt.Errorf("%w: reference clk_m rate is not set", ErrScale)
	}
	scaled := us * 10 / scale10x
	if (us*10)%scale10x >= scale10x/2 {
		scaled++
	}
	return scaled, nil
}

// ScaleFactor is the fixed point ratio of the reference to the source
// frequency, printed as integer part and fraction digits.
func (s Scaler) ScaleFactor() (string, error) {
	src := s.SrcFreqHz / PTIMER_FP_FACTOR
	if src == 0 {
		return "", fmt.Errorf("%w: reference clk_m rate is not set", ErrScale)
	}
	fp := uint32(PTIMER_REF_FREQ_HZ) / src
	return fmt.Sprintf("%d.%d", fp/PTIMER_FP_FACTOR, fp%PTIMER_FP_FACTOR), nil
}
