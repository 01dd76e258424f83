// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package markers orders marker sets by genomic position.
package markers

import (
	"sort"
	"strconv"
)

// Key identifies a marker independently of its position.
type Key string

// Position is the genomic location of a marker.
type Position struct {
	Key        Key
	Chromosome string
	Position   int
}

// ChromosomeRank returns a rank for the given chromosome label, and
// true if the label is one of the canonical human chromosomes
// (1..22, X, Y). Non-canonical labels all share the same rank, and
// sort lexically after the canonical ones.
func ChromosomeRank(chr string) (int, bool) {
	switch chr {
	case "X":
		return 23, true
	case "Y":
		return 24, true
	}
	if n, err := strconv.Atoi(chr); err == nil && n >= 1 && n <= 22 && strconv.Itoa(n) == chr {
		return n, true
	}
	return 25, false
}

// CompareChromosomes returns -1, 0, or 1 according to whether a
// sorts before, with, or after b.
func CompareChromosomes(a, b string) int {
	ra, _ := ChromosomeRank(a)
	rb, _ := ChromosomeRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less orders positions by chromosome, position, then key.
func Less(a, b Position) bool {
	if cmp := CompareChromosomes(a.Chromosome, b.Chromosome); cmp != 0 {
		return cmp < 0
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.Key < b.Key
}

// Sort sorts positions in place.
func Sort(ps []Position) {
	sort.SliceStable(ps, func(i, j int) bool { return Less(ps[i], ps[j]) })
}

// PositionMap is an insertion-ordered map of positions. Setting an
// existing key replaces its value without moving it.
type PositionMap struct {
	index map[Key]int
	list  []Position
}

// Set adds or replaces the position of p.Key.
func (pm *PositionMap) Set(p Position) {
	if pm.index == nil {
		pm.index = map[Key]int{}
	}
	if i, ok := pm.index[p.Key]; ok {
		pm.list[i] = p
		return
	}
	pm.index[p.Key] = len(pm.list)
	pm.list = append(pm.list, p)
}

// Get returns the position stored for k.
func (pm *PositionMap) Get(k Key) (Position, bool) {
	i, ok := pm.index[k]
	if !ok {
		return Position{}, false
	}
	return pm.list[i], true
}

func (pm *PositionMap) Len() int {
	return len(pm.list)
}

// Positions returns the stored positions in insertion order.
func (pm *PositionMap) Positions() []Position {
	return append([]Position(nil), pm.list...)
}

// MingleAndSort returns the union of a and b sorted by chromosome,
// position, and key. Where a key appears in both, the position from
// b is used.
func MingleAndSort(a, b []Position) []Position {
	var pm PositionMap
	for _, p := range a {
		pm.Set(p)
	}
	for _, p := range b {
		pm.Set(p)
	}
	out := pm.Positions()
	Sort(out)
	return out
}

// ChromosomeInfo describes the run of markers on one chromosome in
// a sorted marker list.
type ChromosomeInfo struct {
	Chromosome  string
	MarkerCount int
	MinPosition int
	MaxPosition int
	StartIndex  int
}

// ChromosomeInfos summarizes each contiguous run of markers with the
// same chromosome. For a sorted list the runs partition the list and
// there is one run per chromosome.
func ChromosomeInfos(ps []Position) []ChromosomeInfo {
	var infos []ChromosomeInfo
	for i, p := range ps {
		if len(infos) == 0 || infos[len(infos)-1].Chromosome != p.Chromosome {
			infos = append(infos, ChromosomeInfo{
				Chromosome:  p.Chromosome,
				MinPosition: p.Position,
				MaxPosition: p.Position,
				StartIndex:  i,
			})
		}
		info := &infos[len(infos)-1]
		info.MarkerCount++
		if p.Position < info.MinPosition {
			info.MinPosition = p.Position
		}
		if p.Position > info.MaxPosition {
			info.MaxPosition = p.Position
		}
	}
	return infos
}
