// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"fmt"
)

var (
	ErrConfigInvalid = errors.New("invalid ad policy")
)

// PlacementMode selects how slot positions are derived from a feed.
type PlacementMode string

const (
	PlacementInterval PlacementMode = "interval"
	PlacementExplicit PlacementMode = "explicit"
	PlacementBlock    PlacementMode = "block"
)

// Format is the creative format rendered in a slot.
type Format string

const (
	FormatBanner     Format = "banner"
	FormatNativeList Format = "nativeList"
	FormatCarousel   Format = "carousel"
	FormatFluid      Format = "fluid"
	FormatVideo      Format = "video"
)

// Platform selects the ad-unit identifier set.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// DefaultLazyLoadThresholdPx is applied when a policy omits the threshold.
const DefaultLazyLoadThresholdPx = 250

// DefaultMaxAttempts bounds load retries per slot. 1 means no retry.
const DefaultMaxAttempts = 1

// Placement describes where slots go. Exactly the fields for the declared
// mode must be set; Validate rejects mixed or incomplete specs.
type Placement struct {
	Mode PlacementMode `yaml:"mode" json:"mode"`

	// interval mode
	FirstPosition int `yaml:"firstPosition" json:"firstPosition"`
	Interval      int `yaml:"interval" json:"interval"`

	// explicit mode
	Positions []int `yaml:"positions" json:"positions"`

	// block mode (sectioned feeds)
	BlockPositions []int `yaml:"blockPositions" json:"blockPositions"`
	MaxPerBlock    int   `yaml:"maxPerBlock" json:"maxPerBlock"`
}

// AdPolicy is the immutable per-view placement policy. One policy exists per
// view type ("news-list", "article-detail", ...); the engine never mutates it
// after validation.
type AdPolicy struct {
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	Format    Format    `yaml:"format" json:"format"`
	Placement Placement `yaml:"placement" json:"placement"`

	MaxPerFeed int `yaml:"maxPerFeed" json:"maxPerFeed"`

	PreloadDistance    int `yaml:"preloadDistance" json:"preloadDistance"`
	UnloadDistance     int `yaml:"unloadDistance" json:"unloadDistance"`
	MaxCachedInstances int `yaml:"maxCachedInstances" json:"maxCachedInstances"`

	LazyLoadThresholdPx int `yaml:"lazyLoadThresholdPx" json:"lazyLoadThresholdPx"`

	SkipIfNotReady  bool `yaml:"skipIfNotReady" json:"skipIfNotReady"`
	ShowPlaceholder bool `yaml:"showPlaceholder" json:"showPlaceholder"`

	AdUnitIDs map[Platform]string `yaml:"adUnitIds" json:"adUnitIds"`
	TestMode  bool                `yaml:"testMode" json:"testMode"`

	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`

	// MaxImpressionsPerHour caps how often this view's ad unit is shown on
	// the device per hour. 0 means uncapped.
	MaxImpressionsPerHour int `yaml:"maxImpressionsPerHour" json:"maxImpressionsPerHour"`
}

// ApplyDefaults fills optional fields. Call before Validate.
func (p *AdPolicy) ApplyDefaults() {
	if p.Format == "" {
		p.Format = FormatBanner
	}
	if p.LazyLoadThresholdPx <= 0 {
		p.LazyLoadThresholdPx = DefaultLazyLoadThresholdPx
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks the policy for structural errors. A policy that fails
// validation disables ad placement for the whole view; there is no partial
// degradation. All errors wrap ErrConfigInvalid.
func (p *AdPolicy) Validate() error {
	if !p.Enabled {
		// Disabled policies are valid regardless of the rest.
		return nil
	}

	switch p.Format {
	case FormatBanner, FormatNativeList, FormatCarousel, FormatFluid, FormatVideo:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrConfigInvalid, p.Format)
	}

	if err := p.Placement.validate(); err != nil {
		return err
	}

	if p.MaxPerFeed <= 0 {
		return fmt.Errorf("%w: maxPerFeed must be > 0, got %d", ErrConfigInvalid, p.MaxPerFeed)
	}
	if p.PreloadDistance < 0 {
		return fmt.Errorf("%w: preloadDistance must be >= 0, got %d", ErrConfigInvalid, p.PreloadDistance)
	}
	if p.UnloadDistance < 0 {
		return fmt.Errorf("%w: unloadDistance must be >= 0, got %d", ErrConfigInvalid, p.UnloadDistance)
	}
	if p.MaxCachedInstances <= 0 {
		return fmt.Errorf("%w: maxCachedInstances must be > 0, got %d", ErrConfigInvalid, p.MaxCachedInstances)
	}
	if p.LazyLoadThresholdPx < 0 {
		return fmt.Errorf("%w: lazyLoadThresholdPx must be >= 0, got %d", ErrConfigInvalid, p.LazyLoadThresholdPx)
	}
	if p.MaxImpressionsPerHour < 0 {
		return fmt.Errorf("%w: maxImpressionsPerHour must be >= 0, got %d", ErrConfigInvalid, p.MaxImpressionsPerHour)
	}

	// Production policies must carry a real identifier for every platform so
	// that a missing mapping is caught here, not at request time.
	if !p.TestMode {
		for _, plat := range []Platform{PlatformIOS, PlatformAndroid} {
			if p.AdUnitIDs[plat] == "" {
				return fmt.Errorf("%w: no ad unit id for platform %q", ErrConfigInvalid, plat)
			}
		}
	}

	return nil
}

func (pl *Placement) validate() error {
	switch pl.Mode {
	case PlacementInterval:
		if pl.FirstPosition < 0 {
			return fmt.Errorf("%w: firstPosition must be >= 0, got %d", ErrConfigInvalid, pl.FirstPosition)
		}
		if pl.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0, got %d", ErrConfigInvalid, pl.Interval)
		}
	case PlacementExplicit:
		if len(pl.Positions) == 0 {
			return fmt.Errorf("%w: explicit placement requires positions", ErrConfigInvalid)
		}
		for _, pos := range pl.Positions {
			if pos < 0 {
				return fmt.Errorf("%w: negative position %d", ErrConfigInvalid, pos)
			}
		}
	case PlacementBlock:
		if len(pl.BlockPositions) == 0 {
			return fmt.Errorf("%w: block placement requires blockPositions", ErrConfigInvalid)
		}
		for _, b := range pl.BlockPositions {
			if b < 0 {
				return fmt.Errorf("%w: negative block index %d", ErrConfigInvalid, b)
			}
		}
		if pl.MaxPerBlock <= 0 {
			return fmt.Errorf("%w: maxPerBlock must be > 0, got %d", ErrConfigInvalid, pl.MaxPerBlock)
		}
	default:
		return fmt.Errorf("%w: unknown placement mode %q", ErrConfigInvalid, pl.Mode)
	}
	return nil
}
