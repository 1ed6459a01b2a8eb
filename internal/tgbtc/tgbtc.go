// Package tgbtc provides shared tgBTC amount parsing and formatting.
//
// tgBTC is Bitcoin-pegged and uses 8 decimal places. All amounts are
// carried as int64 satoshi counts (1 tgBTC = 100,000,000 sat); the
// decimal string form exists only at the API and notification edges.
package tgbtc

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Decimals is the number of decimal places in a tgBTC amount.
	Decimals = 8

	// SatoshisPerCoin is the number of satoshis in one tgBTC.
	SatoshisPerCoin = 100_000_000

	// MaxSatoshis caps a single amount at 21M tgBTC, the Bitcoin supply.
	MaxSatoshis = 21_000_000 * SatoshisPerCoin
)

var ErrInvalidAmount = errors.New("tgbtc: invalid amount")

// Parse converts a decimal string (e.g. "0.0015") to satoshis.
//
// Rules:
//   - empty and negative strings are rejected
//   - more than one decimal point is rejected
//   - more than 8 fractional digits is rejected; a payment amount
//     must round-trip exactly, so there is no silent truncation
//   - the result must be positive and at most MaxSatoshis
func Parse(s string) (int64, error) {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var sats int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		d := int64(c - '0')
		if sats > (MaxSatoshis-d)/10 {
			return 0, fmt.Errorf("%w: exceeds %d tgBTC", ErrInvalidAmount, MaxSatoshis/SatoshisPerCoin)
		}
		sats = sats*10 + d
	}
	if sats <= 0 {
		return 0, ErrInvalidAmount
	}
	return sats, nil
}

// Format converts satoshis to a decimal string with exactly 8 decimal
// places (e.g. 150000 -> "0.00150000").
func Format(sats int64) string {
	neg := sats < 0
	if neg {
		sats = -sats
	}
	s := fmt.Sprintf("%d", sats)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	out := s[:decimal] + "." + s[decimal:]
	if neg {
		out = "-" + out
	}
	return out
}
