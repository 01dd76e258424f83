// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package stats computes case/control association statistics from
// genotype contingency tables.
//
// Genotype counts are passed in major-homozygote, heterozygote,
// minor-homozygote order. Odds ratios are reported for the minor
// allele.
package stats

import (
	"math"

	fet "github.com/glycerine/golang-fisher-exact"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	chisquared1 = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}
	chisquared2 = distuv.ChiSquared{K: 2, Src: rand.NewSource(rand.Uint64())}
)

// Genotypes holds the AA, Aa, aa counts of one cohort.
type Genotypes [3]float64

// Alleles returns the major and minor allele counts.
func (g Genotypes) Alleles() (major, minor float64) {
	return 2*g[0] + g[1], 2*g[2] + g[1]
}

func (g Genotypes) sum() float64 {
	return g[0] + g[1] + g[2]
}

// PValue returns the upper tail probability of x in a chi-square
// distribution with df degrees of freedom (1 or 2).
func PValue(x float64, df int) float64 {
	if math.IsNaN(x) || x <= 0 {
		return 1
	}
	switch df {
	case 1:
		return chisquared1.Survival(x)
	case 2:
		return chisquared2.Survival(x)
	default:
		return distuv.ChiSquared{K: float64(df)}.Survival(x)
	}
}

// pearson returns the Pearson chi-square statistic of a table with
// the given rows. Cells whose expected count is zero contribute
// nothing.
func pearson(rows ...[]float64) float64 {
	ncols := len(rows[0])
	rowsum := make([]float64, len(rows))
	colsum := make([]float64, ncols)
	var total float64
	for i, row := range rows {
		for j, v := range row {
			rowsum[i] += v
			colsum[j] += v
			total += v
		}
	}
	if total == 0 {
		return 0
	}
	var x float64
	for i, row := range rows {
		for j, v := range row {
			exp := rowsum[i] * colsum[j] / total
			if exp == 0 {
				continue
			}
			x += sq(v-exp) / exp
		}
	}
	return x
}

// Allelic is the result of an allelic (2x2 allele count) test.
type Allelic struct {
	ChiSquare float64
	P         float64
	OddsRatio float64
	FisherP   float64
}

// AllelicTest compares allele counts between cases and controls.
func AllelicTest(cases, controls Genotypes) Allelic {
	caseA, casea := cases.Alleles()
	ctrlA, ctrla := controls.Alleles()
	x := pearson([]float64{caseA, casea}, []float64{ctrlA, ctrla})
	_, _, _, twop := fet.FisherExactTest(round(caseA), round(casea), round(ctrlA), round(ctrla))
	return Allelic{
		ChiSquare: x,
		P:         PValue(x, 1),
		OddsRatio: oddsRatio(casea, ctrlA, caseA, ctrla),
		FisherP:   twop,
	}
}

// Genotypic is the result of a genotypic (2x3) test.
type Genotypic struct {
	ChiSquare float64
	P         float64
	// OddsRatioHet compares Aa to AA, OddsRatioHomMinor compares
	// aa to AA.
	OddsRatioHet      float64
	OddsRatioHomMinor float64
}

// GenotypicTest compares genotype counts between cases and
// controls (2 degrees of freedom).
func GenotypicTest(cases, controls Genotypes) Genotypic {
	x := pearson(cases[:], controls[:])
	return Genotypic{
		ChiSquare:         x,
		P:                 PValue(x, 2),
		OddsRatioHet:      oddsRatio(cases[1], controls[0], cases[0], controls[1]),
		OddsRatioHomMinor: oddsRatio(cases[2], controls[0], cases[0], controls[2]),
	}
}

// Trend is the result of a Cochran-Armitage trend test.
type Trend struct {
	ChiSquare float64
	P         float64
}

// TrendWeights are the additive (codominant) model scores for AA,
// Aa, aa.
var TrendWeights = [3]float64{0, 1, 2}

// TrendTest runs the Cochran-Armitage test for trend with
// TrendWeights (chi-square, 1 degree of freedom).
func TrendTest(cases, controls Genotypes) Trend {
	R, S := cases.sum(), controls.sum()
	N := R + S
	if R == 0 || S == 0 {
		return Trend{P: 1}
	}
	var n [3]float64
	var T float64
	for i, t := range TrendWeights {
		n[i] = cases[i] + controls[i]
		T += t * (cases[i]*S - controls[i]*R)
	}
	var v float64
	for i, ti := range TrendWeights {
		v += ti * ti * n[i] * (N - n[i])
		for j := i + 1; j < len(TrendWeights); j++ {
			v -= 2 * ti * TrendWeights[j] * n[i] * n[j]
		}
	}
	v *= R * S / N
	if v <= 0 {
		return Trend{P: 1}
	}
	x := T * T / v
	return Trend{ChiSquare: x, P: PValue(x, 1)}
}

// oddsRatio returns (a*b)/(c*d). A zero denominator yields +Inf, or
// NaN if the numerator is also zero.
func oddsRatio(a, b, c, d float64) float64 {
	num, denom := a*b, c*d
	if denom == 0 {
		if num == 0 {
			return math.NaN()
		}
		return math.Inf(1)
	}
	return num / denom
}

func round(x float64) int {
	return int(math.Round(x))
}
