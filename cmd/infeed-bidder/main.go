// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// infeed-bidder is a stub OpenRTB bidder for exercising the in-feed engine
// end to end without a production DSP. It fills a configurable fraction of
// requests with synthetic creatives and streams its bid decisions over a
// websocket for dashboards.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/adxyz/infeed/pkg/log"
)

var (
	Version = "dev"
)

func main() {
	var (
		port     = flag.Int("port", 9090, "HTTP server port")
		fillRate = flag.Float64("fill-rate", 0.9, "Fraction of requests answered with a bid")
		latency  = flag.Duration("latency", 30*time.Millisecond, "Artificial bid latency")
		cpmMin   = flag.Float64("cpm-min", 0.50, "Minimum bid CPM")
		cpmMax   = flag.Float64("cpm-max", 4.00, "Maximum bid CPM")
		seat     = flag.String("seat", "stub-seat", "Seat identifier on bids")
		version  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("infeed-bidder v%s\n", Version)
		os.Exit(0)
	}

	logger := log.NewLogger("infeed-bidder")
	defer logger.Sync()

	bidder := &stubBidder{
		fillRate: *fillRate,
		latency:  *latency,
		cpmMin:   *cpmMin,
		cpmMax:   *cpmMax,
		seat:     *seat,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		clients:  make(map[*websocket.Conn]struct{}),
		log:      logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", bidder.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rtb/bid", bidder.handleBid).Methods(http.MethodPost)
	r.HandleFunc("/ws/decisions", bidder.handleDecisionStream).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: r,
	}

	go func() {
		logger.Info("bidder listening", "addr", srv.Addr, "fill_rate", *fillRate)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}

// decision is one bid outcome published on the websocket stream.
type decision struct {
	RequestID string    `json:"requestId"`
	TagID     string    `json:"tagId"`
	Filled    bool      `json:"filled"`
	Price     float64   `json:"price,omitempty"`
	At        time.Time `json:"at"`
}

type stubBidder struct {
	fillRate float64
	latency  time.Duration
	cpmMin   float64
	cpmMax   float64
	seat     string

	mu  sync.Mutex
	rng *rand.Rand

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	log      log.Logger
}

func (b *stubBidder) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","version":%q}`, Version)
}

func (b *stubBidder) handleBid(w http.ResponseWriter, r *http.Request) {
	var req openrtb2.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid bid request", http.StatusBadRequest)
		return
	}
	if len(req.Imp) == 0 {
		http.Error(w, "no impressions", http.StatusBadRequest)
		return
	}
	imp := req.Imp[0]

	if b.latency > 0 {
		time.Sleep(b.latency)
	}

	fill, price := b.roll()
	b.broadcast(decision{
		RequestID: req.ID,
		TagID:     imp.TagID,
		Filled:    fill,
		Price:     price,
		At:        time.Now(),
	})

	if !fill || price < imp.BidFloor {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := openrtb2.BidResponse{
		ID: req.ID,
		SeatBid: []openrtb2.SeatBid{{
			Seat: b.seat,
			Bid: []openrtb2.Bid{{
				ID:    uuid.NewString(),
				ImpID: imp.ID,
				Price: price,
				AdM:   creativeFor(imp),
				CrID:  "stub-creative",
			}},
		}},
		Cur: "USD",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (b *stubBidder) roll() (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng.Float64() >= b.fillRate {
		return false, 0
	}
	return true, b.cpmMin + b.rng.Float64()*(b.cpmMax-b.cpmMin)
}

func creativeFor(imp openrtb2.Imp) string {
	w, h := int64(320), int64(50)
	if imp.Banner != nil && imp.Banner.W != nil && imp.Banner.H != nil {
		w, h = *imp.Banner.W, *imp.Banner.H
	}
	return fmt.Sprintf(`<div class="stub-ad" data-unit=%q style="width:%dpx;height:%dpx">Ad</div>`,
		imp.TagID, w, h)
}

func (b *stubBidder) handleDecisionStream(w http.ResponseWriter, r *http.Request) {
	b.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	b.clientsMu.Lock()
	b.clients[conn] = struct{}{}
	b.clientsMu.Unlock()
	b.log.Info("decision stream client connected", "remote", r.RemoteAddr)

	// Drain control frames; the stream is write-only for clients.
	go func() {
		defer b.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *stubBidder) broadcast(d decision) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteJSON(d); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

func (b *stubBidder) dropClient(conn *websocket.Conn) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	if _, ok := b.clients[conn]; ok {
		conn.Close()
		delete(b.clients, conn)
	}
}
