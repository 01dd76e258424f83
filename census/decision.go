// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package census tallies the genotypes of one marker across a
// cohort into contingency tables.
package census

import (
	"fmt"
	"strconv"
)

type Sex int

const (
	SexUnknown Sex = iota
	Male
	Female
)

// ParseSex accepts the 0/1/2 codes used in phenotype and PLINK
// files. Anything else is an error.
func ParseSex(s string) (Sex, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i > 2 {
		return SexUnknown, fmt.Errorf("invalid sex code %q", s)
	}
	return Sex(i), nil
}

func (s Sex) String() string {
	switch s {
	case Male:
		return "male"
	case Female:
		return "female"
	}
	return "unknown"
}

type Affection int

const (
	AffectionUnknown Affection = iota
	Control
	Case
)

// ParseAffection accepts the 0/1/2 codes used in phenotype and
// PLINK files. PLINK's "-9" is read as unknown.
func ParseAffection(s string) (Affection, error) {
	if s == "-9" {
		return AffectionUnknown, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i > 2 {
		return AffectionUnknown, fmt.Errorf("invalid affection code %q", s)
	}
	return Affection(i), nil
}

func (a Affection) String() string {
	switch a {
	case Control:
		return "control"
	case Case:
		return "case"
	}
	return "unknown"
}

// Decision says how a genotype observation counts toward census
// statistics.
type Decision int

const (
	CountAutosomally Decision = iota
	CountMalesNonAutosomally
	CountFemalesNonAutosomally
)

func (d Decision) String() string {
	switch d {
	case CountMalesNonAutosomally:
		return "males-non-autosomally"
	case CountFemalesNonAutosomally:
		return "females-non-autosomally"
	}
	return "autosomally"
}

// Decide returns the counting rule for an observation of a sample
// with the given sex on the given chromosome. Chromosome labels are
// matched exactly ("X", "Y"); they are expected to be canonical
// already.
func Decide(chromosome string, sex Sex) Decision {
	switch {
	case chromosome == "X" && sex == Male:
		return CountMalesNonAutosomally
	case chromosome == "Y" && sex == Female:
		return CountFemalesNonAutosomally
	default:
		return CountAutosomally
	}
}

// Weight returns the weight of an observation counted with decision
// d. Male X observations get half weight only if halfWeightMaleX is
// set.
func (d Decision) Weight(halfWeightMaleX bool) float64 {
	if d == CountMalesNonAutosomally && halfWeightMaleX {
		return 0.5
	}
	return 1
}
