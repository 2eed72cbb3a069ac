// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "sort"

// FeedShape describes the feed being planned. Flat feeds set Length only.
// Sectioned feeds set Blocks, where Blocks[i] is the item count of block i;
// Length is then derived and ignored if set.
type FeedShape struct {
	Length int
	Blocks []int
}

// TotalLength returns the number of items in the feed.
func (s FeedShape) TotalLength() int {
	if len(s.Blocks) == 0 {
		return s.Length
	}
	total := 0
	for _, n := range s.Blocks {
		if n > 0 {
			total += n
		}
	}
	return total
}

// blockStart returns the absolute index of the first item in block b,
// or -1 when b is out of range.
func (s FeedShape) blockStart(b int) int {
	if b < 0 || b >= len(s.Blocks) {
		return -1
	}
	start := 0
	for i := 0; i < b; i++ {
		if s.Blocks[i] > 0 {
			start += s.Blocks[i]
		}
	}
	return start
}

// PlanPositions computes slot indices for a flat feed of the given length.
func PlanPositions(p *AdPolicy, feedLength int) []int {
	return Plan(p, FeedShape{Length: feedLength})
}

// Plan computes the sorted, de-duplicated set of feed indices that must
// render an ad slot instead of content. Pure: identical inputs always yield
// identical outputs. Every returned index is < the feed length and the result
// size never exceeds maxPerFeed. A disabled policy or an empty feed yields
// the empty set.
func Plan(p *AdPolicy, shape FeedShape) []int {
	length := shape.TotalLength()
	if p == nil || !p.Enabled || length == 0 {
		return nil
	}

	var candidates []int
	switch p.Placement.Mode {
	case PlacementInterval:
		for pos := p.Placement.FirstPosition; pos < length; pos += p.Placement.Interval {
			candidates = append(candidates, pos)
		}
	case PlacementExplicit:
		for _, pos := range p.Placement.Positions {
			// Indices beyond the feed are silently dropped.
			if pos >= 0 && pos < length {
				candidates = append(candidates, pos)
			}
		}
	case PlacementBlock:
		for _, b := range p.Placement.BlockPositions {
			start := shape.blockStart(b)
			if start < 0 {
				continue
			}
			n := shape.Blocks[b]
			if n > p.Placement.MaxPerBlock {
				n = p.Placement.MaxPerBlock
			}
			// First-available items of the block, in document order.
			for i := 0; i < n; i++ {
				candidates = append(candidates, start+i)
			}
		}
	default:
		return nil
	}

	sort.Ints(candidates)
	candidates = dedupeSorted(candidates)

	// Earlier positions win the cap.
	if len(candidates) > p.MaxPerFeed {
		candidates = candidates[:p.MaxPerFeed]
	}
	return candidates
}

func dedupeSorted(xs []int) []int {
	if len(xs) < 2 {
		return xs
	}
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
