// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package genotype maps stored allele bytes to logical alleles for
// the genotype encodings found in imported matrices, and translates
// between them.
package genotype

import (
	"fmt"
	"sort"
	"strings"
)

// Missing is the allele byte used for a no-call in every encoding.
const Missing byte = '0'

// Genotype is an ordered allele pair as stored in a matrix. The
// order of the two alleles is kept but carries no meaning for
// census purposes.
type Genotype [2]byte

// MissingGenotype is written wherever no source has a call.
var MissingGenotype = Genotype{Missing, Missing}

// IsMissing returns true if both alleles are missing.
func (g Genotype) IsMissing() bool {
	return g[0] == Missing && g[1] == Missing
}

// IsHalfMissing returns true if exactly one allele is missing.
func (g Genotype) IsHalfMissing() bool {
	return (g[0] == Missing) != (g[1] == Missing)
}

// IsHeterozygous returns true for a call with two different
// non-missing alleles.
func (g Genotype) IsHeterozygous() bool {
	return g[0] != Missing && g[1] != Missing && g[0] != g[1]
}

func (g Genotype) String() string {
	return string(g[:])
}

// Parse returns the genotype for a two-character string such as
// "AG". Anything else is an error.
func Parse(s string) (Genotype, error) {
	if len(s) != 2 {
		return MissingGenotype, fmt.Errorf("invalid genotype %q", s)
	}
	return Genotype{s[0], s[1]}, nil
}

// Encoding identifies how allele bytes are to be interpreted.
type Encoding int

const (
	Unknown Encoding = iota
	ACGT0
	AB0
	O12
	O1234
)

var encodingNames = []string{"UNKNOWN", "ACGT0", "AB0", "O12", "O1234"}

func (e Encoding) String() string {
	if e < 0 || int(e) >= len(encodingNames) {
		return encodingNames[Unknown]
	}
	return encodingNames[e]
}

// ParseEncoding accepts the names returned by Encoding.String,
// case-insensitively.
func ParseEncoding(s string) (Encoding, error) {
	for i, name := range encodingNames {
		if strings.EqualFold(s, name) {
			return Encoding(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown genotype encoding %q", s)
}

var validAlleles = map[Encoding]string{
	ACGT0: "ACGT",
	AB0:   "AB",
	O12:   "12",
	O1234: "1234",
}

// Valid returns true if b is an allele (or the missing allele) in
// encoding e. Every byte is valid in the Unknown encoding.
func (e Encoding) Valid(b byte) bool {
	if b == Missing || e == Unknown {
		return true
	}
	return strings.IndexByte(validAlleles[e], b) >= 0
}

// Nucleotide returns true for encodings whose alleles are bases
// (letters or their 1234 numeric form), i.e., encodings where more
// than two distinct alleles at one marker can actually be observed.
func (e Encoding) Nucleotide() bool {
	return e == ACGT0 || e == O1234
}

// Reconcile returns the encoding of a matrix built from matrices
// encoded with a and b.
func Reconcile(a, b Encoding) Encoding {
	if a == b {
		return a
	}
	return Unknown
}

// Detect guesses an encoding from the set of alleles observed in a
// matrix. Missing alleles are ignored. An empty set, or a set that
// fits none of the known encodings, yields Unknown.
func Detect(alleles map[byte]bool) Encoding {
	var seen []byte
	for b := range alleles {
		if b != Missing {
			seen = append(seen, b)
		}
	}
	if len(seen) == 0 {
		return Unknown
	}
	fits := func(set string) bool {
		for _, b := range seen {
			if strings.IndexByte(set, b) < 0 {
				return false
			}
		}
		return true
	}
	switch {
	case fits("AB"):
		// A/B calls are indistinguishable from an A-only ACGT
		// matrix, but a matrix with only A and B calls is far
		// more likely to be AB encoded.
		if alleles['B'] {
			return AB0
		}
		return ACGT0
	case fits("ACGT"):
		return ACGT0
	case fits("12"):
		return O12
	case fits("1234"):
		return O1234
	}
	return Unknown
}

// SortedAlleles returns the distinct non-missing alleles of gs in
// ascending byte order.
func SortedAlleles(gs []Genotype) []byte {
	seen := map[byte]bool{}
	for _, g := range gs {
		for _, b := range g {
			if b != Missing {
				seen[b] = true
			}
		}
	}
	out := make([]byte, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CountAlleles returns the number of distinct non-missing alleles
// in gs, stopping early once it exceeds max.
func CountAlleles(gs []Genotype, max int) int {
	var seen [256]bool
	n := 0
	for _, g := range gs {
		for _, b := range g {
			if b == Missing || seen[b] {
				continue
			}
			seen[b] = true
			n++
			if n > max {
				return n
			}
		}
	}
	return n
}
