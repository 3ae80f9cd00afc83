package vault

import (
	"errors"
	"fmt"
)

const (
	LamportsPerSOL = 1_000_000_000

	DefaultFeeBps    int64 = 50      // 0.5%
	DefaultGasBuffer int64 = 500_000 // 0.0005 SOL
)

var ErrAmountTooSmall = errors.New("amount does not cover fee and gas buffer")

// Breakdown is what custody pays out of a gross amount.
type Breakdown struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Gas   int64 `json:"gas"`
	Net   int64 `json:"net"`
}

// Calculator does all money math in integer lamports.
type Calculator struct {
	FeeBps    int64
	GasBuffer int64
}

func NewCalculator(feeBps, gasBuffer int64) Calculator {
	return Calculator{FeeBps: feeBps, GasBuffer: gasBuffer}
}

// Net deducts the platform fee (rounded down) and the fixed gas buffer from gross.
func (c Calculator) Net(gross int64) (Breakdown, error) {
	if gross <= 0 {
		return Breakdown{}, fmt.Errorf("gross amount must be positive, got %d", gross)
	}
	fee := gross * c.FeeBps / 10_000
	net := gross - fee - c.GasBuffer
	if net <= 0 {
		return Breakdown{}, fmt.Errorf("%w: gross=%d fee=%d gas=%d", ErrAmountTooSmall, gross, fee, c.GasBuffer)
	}
	return Breakdown{Gross: gross, Fee: fee, Gas: c.GasBuffer, Net: net}, nil
}

// MinimumStake is the smallest gross amount that still yields a positive net.
func (c Calculator) MinimumStake() int64 {
	for gross := c.GasBuffer * 10_000 / (10_000 - c.FeeBps); ; gross++ {
		if gross-gross*c.FeeBps/10_000-c.GasBuffer > 0 {
			return gross
		}
	}
}
