// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stats

import (
	"math"
	"math/big"

	"github.com/BenLubar/memoize"
	"github.com/tokenme/probab/dst"
)

// Punnett returns the genotype frequencies expected under
// Hardy-Weinberg equilibrium given the observed genotype counts:
// p², 2pq, and q², where p is the frequency of the major allele.
// All three are zero if no alleles were observed.
func Punnett(AA, Aa, aa float64) (eAA, eAa, eaa float64) {
	A := 2*AA + Aa
	a := 2*aa + Aa
	if A+a == 0 {
		return 0, 0, 0
	}
	p := A / (A + a)
	q := a / (A + a)
	return p * p, 2 * p * q, q * q
}

// HardyWeinberg is the result of a Hardy-Weinberg goodness-of-fit
// test on one genotype table.
type HardyWeinberg struct {
	ObservedHet float64
	ExpectedHet float64
	ChiSquare   float64
	P           float64
}

// HardyWeinbergTest compares observed genotype counts with the
// counts expected under Hardy-Weinberg equilibrium (chi-square, 1
// degree of freedom). A table with no observations, or with only
// one allele, is in equilibrium by definition: chi-square 0 and
// P = 1.
func HardyWeinbergTest(AA, Aa, aa float64) HardyWeinberg {
	n := AA + Aa + aa
	if n == 0 {
		return HardyWeinberg{P: 1}
	}
	eAA, eAa, eaa := Punnett(AA, Aa, aa)
	res := HardyWeinberg{
		ObservedHet: Aa / n,
		ExpectedHet: eAa,
	}
	if eAA == 0 || eaa == 0 {
		res.P = 1
		return res
	}
	res.ChiSquare = sq(AA-eAA*n)/(eAA*n) +
		sq(Aa-eAa*n)/(eAa*n) +
		sq(aa-eaa*n)/(eaa*n)
	res.P = hwPValue(res.ChiSquare)
	return res
}

func hwPValue(x float64) (p float64) {
	// dst panics on some edge inputs; treat those as no evidence.
	p = 1
	defer func() { recover() }()
	p = 1 - dst.ChiSquareCDF(1)(x)
	if p < 0 {
		p = 0
	}
	return
}

func sq(x float64) float64 {
	return x * x
}

var memoizedExactFor = memoize.Memoize(exactFor)
var memoizedFactorial = memoize.Memoize(factorial)

// HardyWeinbergExact returns the exact Hardy-Weinberg P value
// (Wigginton, Cutler & Abecasis 2005): the total probability of all
// heterozygote counts no more likely than the observed one, given
// the observed allele counts.
func HardyWeinbergExact(AA, Aa, aa int64) float64 {
	if AA+Aa+aa == 0 {
		return 1
	}
	if aa > AA {
		AA, aa = aa, AA
	}
	exact := memoizedExactFor.(func(int64, int64, int64) float64)
	baseP := exact(AA, Aa, aa)
	sumP := baseP
	// Walk outward in both directions from the observed
	// configuration. Each step moves two alleles between the
	// homozygote classes and the heterozygotes.
	for hAA, hAa, haa := AA-1, Aa+2, aa-1; haa >= 0; hAA, hAa, haa = hAA-1, hAa+2, haa-1 {
		p := exact(hAA, hAa, haa)
		if p <= math.SmallestNonzeroFloat64 {
			break
		}
		if p <= baseP {
			sumP += p
		}
	}
	for hAA, hAa, haa := AA+1, Aa-2, aa+1; hAa >= 0; hAA, hAa, haa = hAA+1, hAa-2, haa+1 {
		p := exact(hAA, hAa, haa)
		if p <= math.SmallestNonzeroFloat64 {
			break
		}
		if p <= baseP {
			sumP += p
		}
	}
	if sumP > 1 {
		sumP = 1
	}
	return sumP
}

// exactFor returns the probability of exactly Aa heterozygotes
// among AA+Aa+aa samples carrying Aa+2*aa minor alleles.
func exactFor(AA, Aa, aa int64) float64 {
	A := AA*2 + Aa
	a := aa*2 + Aa
	N := AA + Aa + aa
	fact := memoizedFactorial.(func(int64, int64) *big.Int)

	var num, denom big.Int
	num.Exp(big.NewInt(2), big.NewInt(Aa), nil)
	num.Mul(&num, fact(1, A))
	num.Mul(&num, fact(1, a))

	denom.Set(fact(N+1, 2*N))
	denom.Mul(&denom, fact(1, AA))
	denom.Mul(&denom, fact(1, Aa))
	denom.Mul(&denom, fact(1, aa))

	p, _ := new(big.Rat).SetFrac(&num, &denom).Float64()
	return p
}

func factorial(a, b int64) *big.Int {
	return big.NewInt(1).MulRange(a, b)
}
