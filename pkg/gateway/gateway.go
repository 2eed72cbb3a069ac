// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoFill  = errors.New("no fill")
	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("load timeout")
	ErrSDKInit = errors.New("sdk not initialized")
)

// Targeting carries opaque key/value pairs forwarded verbatim to the ad
// network. Multi-valued keys are allowed.
type Targeting map[string][]string

// SizeClass describes the rendered footprint of a creative.
type SizeClass string

const (
	SizeBanner     SizeClass = "banner"
	SizeMediumRect SizeClass = "mrec"
	SizeNative     SizeClass = "native"
	SizeFluid      SizeClass = "fluid"
)

// AdInstance is the opaque result of a successful load. The cache is the
// single owner of an instance; consumers look it up by slot id and must not
// retain it.
type AdInstance struct {
	Payload   []byte
	SizeClass SizeClass
	Price     decimal.Decimal
	LoadedAt  time.Time
}

// LoadGateway is the ad-SDK collaborator. A call either resolves with an
// instance or fails with one of the typed errors above; the engine never
// sees SDK callbacks.
type LoadGateway interface {
	Load(ctx context.Context, adUnitID string, targeting Targeting) (*AdInstance, error)
}

// LoadFunc adapts a plain function to the LoadGateway interface.
type LoadFunc func(ctx context.Context, adUnitID string, targeting Targeting) (*AdInstance, error)

// Load implements LoadGateway.
func (f LoadFunc) Load(ctx context.Context, adUnitID string, targeting Targeting) (*AdInstance, error) {
	return f(ctx, adUnitID, targeting)
}
