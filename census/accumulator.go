// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package census

import (
	"github.com/arvados/gwaspi/genotype"
)

// Category selects a sample subset within a marker's census.
type Category int

const (
	All Category = iota
	CaseOnly
	ControlOnly
	// HWAlt counts controls only, and only observations counted
	// autosomally (male X and female Y are left out).
	HWAlt
	nCategories
)

var categoryNames = [nCategories]string{"all", "case", "control", "hw-alt"}

func (cat Category) String() string {
	if cat < 0 || cat >= nCategories {
		return "invalid"
	}
	return categoryNames[cat]
}

// Table is the genotype contingency table of one category.
// Genotype counts are weighted (see Decision.Weight), so they are
// not necessarily integers.
type Table struct {
	HomMajor float64
	Het      float64
	HomMinor float64
	Missing  int
}

// Total returns the number of samples represented in the table.
func (t Table) Total() float64 {
	return t.HomMajor + t.Het + t.HomMinor + float64(t.Missing)
}

// Record is the census of one marker.
type Record struct {
	Mismatch bool
	Major    byte
	Minor    byte
	Tables   [nCategories]Table
}

// Table returns the table for the given category.
func (r *Record) Table(cat Category) Table {
	return r.Tables[cat]
}

// Accumulator collects the genotypes of a single marker. Use a new
// Accumulator for each marker.
type Accumulator struct {
	// HalfWeightMaleX gives male X observations weight 0.5
	// instead of 1.
	HalfWeightMaleX bool

	alleles [256]float64
	seen    [256]bool
	nseen   int
	// Tallies are keyed by the allele pair in ascending order, so
	// a half call X0 is kept apart from every full call.
	tally   [nCategories]map[genotype.Genotype]float64
	missing [nCategories]int
	// Unweighted count of half calls, which are missing once a
	// second allele is seen.
	half    [nCategories]int
}

func pairKey(a, b byte) genotype.Genotype {
	if a > b {
		a, b = b, a
	}
	return genotype.Genotype{a, b}
}

func (acc *Accumulator) categories(aff Affection, dec Decision) []Category {
	cats := []Category{All}
	switch aff {
	case Case:
		cats = append(cats, CaseOnly)
	case Control:
		cats = append(cats, ControlOnly)
		if dec == CountAutosomally {
			cats = append(cats, HWAlt)
		}
	}
	return cats
}

// Add counts one sample's genotype.
func (acc *Accumulator) Add(g genotype.Genotype, aff Affection, dec Decision) {
	if g.IsMissing() {
		if dec == CountFemalesNonAutosomally {
			return
		}
		for _, cat := range acc.categories(aff, dec) {
			acc.missing[cat]++
		}
		return
	}
	w := dec.Weight(acc.HalfWeightMaleX)
	for _, b := range g {
		if b == genotype.Missing {
			continue
		}
		if !acc.seen[b] {
			acc.seen[b] = true
			acc.nseen++
		}
		acc.alleles[b] += w
	}
	key := pairKey(g[0], g[1])
	for _, cat := range acc.categories(aff, dec) {
		if acc.tally[cat] == nil {
			acc.tally[cat] = map[genotype.Genotype]float64{}
		}
		acc.tally[cat][key] += w
		if g.IsHalfMissing() && dec != CountFemalesNonAutosomally {
			acc.half[cat]++
		}
	}
}

// Result returns the census record for the genotypes added so far.
func (acc *Accumulator) Result() Record {
	var rec Record
	switch {
	case acc.nseen == 0:
		rec.Major, rec.Minor = genotype.Missing, genotype.Missing
		for cat := range rec.Tables {
			rec.Tables[cat].Missing = acc.missing[cat]
		}
	case acc.nseen == 1:
		var x byte
		for b, ok := range acc.seen {
			if ok {
				x = byte(b)
				break
			}
		}
		rec.Major, rec.Minor = x, x
		// With a single allele, X0 counts as XX.
		for cat := range rec.Tables {
			t := acc.tally[cat]
			rec.Tables[cat] = Table{
				HomMajor: t[pairKey(x, x)] + t[pairKey(x, genotype.Missing)],
				Missing:  acc.missing[cat],
			}
		}
	case acc.nseen == 2:
		var pair []byte
		for b, ok := range acc.seen {
			if ok {
				pair = append(pair, byte(b))
			}
		}
		// pair is in ascending byte order, so on equal counts
		// the smaller allele stays major.
		major, minor := pair[0], pair[1]
		if acc.alleles[minor] > acc.alleles[major] {
			major, minor = minor, major
		}
		rec.Major, rec.Minor = major, minor
		for cat := range rec.Tables {
			t := acc.tally[cat]
			rec.Tables[cat] = Table{
				HomMajor: t[pairKey(major, major)],
				Het:      t[pairKey(major, minor)],
				HomMinor: t[pairKey(minor, minor)],
				Missing:  acc.missing[cat] + acc.half[cat],
			}
		}
	default:
		rec.Mismatch = true
		rec.Major, rec.Minor = genotype.Missing, genotype.Missing
	}
	return rec
}

// Alleles returns the weighted count of each allele observed so far.
func (acc *Accumulator) Alleles() map[byte]float64 {
	out := map[byte]float64{}
	for b, ok := range acc.seen {
		if ok {
			out[byte(b)] = acc.alleles[b]
		}
	}
	return out
}
