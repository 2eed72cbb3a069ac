// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/adxyz/infeed/pkg/log"
)

// bannerSizes maps a size class to the primary creative dimensions requested
// in the bid. Fluid and native impressions omit fixed dimensions.
var bannerSizes = map[SizeClass][2]int64{
	SizeBanner:     {320, 50},
	SizeMediumRect: {300, 250},
}

// RTBGateway implements LoadGateway against an OpenRTB 2.x bidder endpoint.
// One slot load becomes one single-impression bid request.
type RTBGateway struct {
	Endpoint   string
	Timeout    time.Duration
	SizeClass  SizeClass
	BidFloor   float64
	AppBundle  string
	httpClient *http.Client
	log        log.Logger
}

// NewRTBGateway creates a gateway bound to a bidder endpoint.
func NewRTBGateway(endpoint string, timeout time.Duration, size SizeClass, logger log.Logger) *RTBGateway {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RTBGateway{
		Endpoint:   endpoint,
		Timeout:    timeout,
		SizeClass:  size,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// Load issues a bid request for the given ad unit and maps the outcome onto
// the engine's error taxonomy: no bid is ErrNoFill, transport failures are
// ErrNetwork, deadline expiry is ErrTimeout.
func (g *RTBGateway) Load(ctx context.Context, adUnitID string, targeting Targeting) (*AdInstance, error) {
	req := g.buildRequest(adUnitID, targeting)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode bid request: %v", ErrSDKInit, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-openrtb-version", "2.6")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, adUnitID)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	// OpenRTB convention: 204 is an explicit no-bid.
	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("%w: %s", ErrNoFill, adUnitID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bidder returned %d", ErrNetwork, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(raw, &bidResp); err != nil {
		return nil, fmt.Errorf("%w: decode bid response: %v", ErrNetwork, err)
	}

	bid := firstBid(&bidResp)
	if bid == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFill, adUnitID)
	}

	g.log.Debug("bid received",
		"ad_unit", adUnitID,
		"price", bid.Price,
		"size", string(g.SizeClass))

	return &AdInstance{
		Payload:   []byte(bid.AdM),
		SizeClass: g.SizeClass,
		Price:     decimal.NewFromFloat(bid.Price),
		LoadedAt:  time.Now(),
	}, nil
}

// buildRequest assembles a single-impression bid request. The ad unit id
// travels as the impression TagID; targeting pairs go into the request ext.
func (g *RTBGateway) buildRequest(adUnitID string, targeting Targeting) *openrtb2.BidRequest {
	imp := openrtb2.Imp{
		ID:       "1",
		TagID:    adUnitID,
		BidFloor: g.BidFloor,
	}

	if wh, ok := bannerSizes[g.SizeClass]; ok {
		w, h := wh[0], wh[1]
		imp.Banner = &openrtb2.Banner{W: &w, H: &h}
	} else {
		// Native and fluid units bid without fixed dimensions.
		imp.Banner = &openrtb2.Banner{}
	}

	req := &openrtb2.BidRequest{
		ID:  uuid.NewString(),
		Imp: []openrtb2.Imp{imp},
		App: &openrtb2.App{Bundle: g.AppBundle},
	}

	if len(targeting) > 0 {
		if ext, err := json.Marshal(map[string]Targeting{"targeting": targeting}); err == nil {
			req.Ext = ext
		}
	}

	return req
}

// firstBid returns the first bid of the first seat, or nil when the
// response carries no bids.
func firstBid(resp *openrtb2.BidResponse) *openrtb2.Bid {
	for i := range resp.SeatBid {
		if len(resp.SeatBid[i].Bid) > 0 {
			return &resp.SeatBid[i].Bid[0]
		}
	}
	return nil
}

var _ LoadGateway = (*RTBGateway)(nil)
