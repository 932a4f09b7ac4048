// Package pricing converts elapsed VM runtime into owed credits.
package pricing

import (
	"math"
	"time"
)

// Config carries the billing conversion constants.
type Config struct {
	// MarkupFactor is applied on top of the raw provider cost.
	MarkupFactor float64
	// CreditsPerUSD converts provider USD cost into platform credits.
	CreditsPerUSD float64
}

func DefaultConfig() Config {
	return Config{
		MarkupFactor:  1.5,
		CreditsPerUSD: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MarkupFactor <= 0 {
		c.MarkupFactor = defaults.MarkupFactor
	}
	if c.CreditsPerUSD <= 0 {
		c.CreditsPerUSD = defaults.CreditsPerUSD
	}
	return c
}

// Accrual is the cost of one billing window.
type Accrual struct {
	ElapsedHours float64
	BaseCostUSD  float64
	Credits      int64
}

// Accrued computes the cost of the window (since, now] at the given hourly
// rate. The window floor is launchedAt; a resource that never reached running
// (nil launchedAt) accrues nothing. Credits round up so a fractional credit is
// never under-charged.
func Accrued(launchedAt *time.Time, since, now time.Time, hourlyRate float64, cfg Config) Accrual {
	if launchedAt == nil || hourlyRate <= 0 {
		return Accrual{}
	}
	cfg = cfg.withDefaults()

	if since.Before(*launchedAt) {
		since = *launchedAt
	}
	if !now.After(since) {
		return Accrual{}
	}

	elapsed := now.Sub(since).Hours()
	base := elapsed * hourlyRate
	credits := int64(math.Ceil(base * cfg.CreditsPerUSD * cfg.MarkupFactor))

	return Accrual{
		ElapsedHours: elapsed,
		BaseCostUSD:  base,
		Credits:      credits,
	}
}
