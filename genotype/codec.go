// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genotype

import (
	"fmt"
)

var complement = func() [256]byte {
	var c [256]byte
	for i := range c {
		c[i] = byte(i)
	}
	for _, pair := range []string{"AT", "CG", "14", "23"} {
		c[pair[0]], c[pair[1]] = pair[1], pair[0]
	}
	return c
}()

// Complement returns the allele on the opposite strand. Alleles
// with no complement (including Missing, and A/B calls) are
// returned unchanged.
func Complement(b byte) byte {
	return complement[b]
}

// Flip returns g with both alleles complemented.
func Flip(g Genotype) Genotype {
	return Genotype{complement[g[0]], complement[g[1]]}
}

// FlipStrand returns the opposite of a "+" or "-" strand label.
// Any other label is returned unchanged.
func FlipStrand(strand string) string {
	switch strand {
	case "+":
		return "-"
	case "-":
		return "+"
	}
	return strand
}

var numericToBase = map[byte]byte{'1': 'A', '2': 'C', '3': 'G', '4': 'T'}

// Translator converts genotypes of one marker from one encoding to
// ACGT0.
type Translator struct {
	from Encoding
	dict [2]byte
}

// NewTranslator returns a Translator for a marker whose allele
// dictionary is dict (e.g., "AG": first allele A, second G).
//
// O1234 needs no dictionary. AB0 and O12 need a two-allele
// dictionary: A/1 maps to dict[0] and B/2 maps to dict[1]. A
// one-allele dictionary is accepted for monomorphic markers.
func NewTranslator(from Encoding, dict string) (*Translator, error) {
	t := &Translator{from: from}
	switch from {
	case ACGT0, O1234:
	case AB0, O12:
		if len(dict) == 0 || len(dict) > 2 {
			return nil, fmt.Errorf("cannot translate %s genotypes with allele dictionary %q", from, dict)
		}
		t.dict[0] = dict[0]
		t.dict[1] = dict[len(dict)-1]
		for _, b := range t.dict {
			if !ACGT0.Valid(b) || b == Missing {
				return nil, fmt.Errorf("allele dictionary %q contains non-nucleotide %q", dict, b)
			}
		}
	default:
		return nil, fmt.Errorf("cannot translate from %s encoding", from)
	}
	return t, nil
}

// Translate returns g in ACGT0 encoding.
func (t *Translator) Translate(g Genotype) (Genotype, error) {
	var out Genotype
	for i, b := range g {
		a, err := t.allele(b)
		if err != nil {
			return MissingGenotype, fmt.Errorf("genotype %q: %w", g, err)
		}
		out[i] = a
	}
	return out, nil
}

func (t *Translator) allele(b byte) (byte, error) {
	if b == Missing {
		return Missing, nil
	}
	switch t.from {
	case ACGT0:
		if !ACGT0.Valid(b) {
			break
		}
		return b, nil
	case O1234:
		if a, ok := numericToBase[b]; ok {
			return a, nil
		}
	case AB0:
		switch b {
		case 'A':
			return t.dict[0], nil
		case 'B':
			return t.dict[1], nil
		}
	case O12:
		switch b {
		case '1':
			return t.dict[0], nil
		case '2':
			return t.dict[1], nil
		}
	}
	return Missing, fmt.Errorf("allele %q is not valid in %s encoding", b, t.from)
}
