// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "fmt"

// Canonical test ad units published by the ad network. Test builds resolve to
// these regardless of brand configuration, so they can never request
// production inventory.
var testAdUnitIDs = map[Format]string{
	FormatBanner:     "ca-app-pub-3940256099942544/6300978111",
	FormatNativeList: "ca-app-pub-3940256099942544/2247696110",
	FormatCarousel:   "ca-app-pub-3940256099942544/2247696110",
	FormatFluid:      "ca-app-pub-3940256099942544/2247696110",
	FormatVideo:      "ca-app-pub-3940256099942544/1033173712",
}

// ResolveAdUnit maps the policy's format and the running platform to the ad
// unit identifier to request. With testMode set, the network's canonical test
// identifier is returned unconditionally. A missing production mapping is a
// configuration error; Validate catches it before any slot can reach here.
func ResolveAdUnit(p *AdPolicy, platform Platform) (string, error) {
	if p.TestMode {
		if id, ok := testAdUnitIDs[p.Format]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: no test ad unit for format %q", ErrConfigInvalid, p.Format)
	}

	id := p.AdUnitIDs[platform]
	if id == "" {
		return "", fmt.Errorf("%w: no ad unit id for format %q on platform %q",
			ErrConfigInvalid, p.Format, platform)
	}
	return id, nil
}
