// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"gopkg.in/check.v1"
)

type censusSuite struct{}

var _ = check.Suite(&censusSuite{})

func (s *censusSuite) TestControlsScenario(c *check.C) {
	var samples []SampleInfo
	var rows []string
	for i, g := range []string{"AA", "AA", "AG", "GG", "00"} {
		samples = append(samples, testSample(string(rune('a'+i)), census.Female, census.Control))
		rows = append(rows, g)
	}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{Encoding: genotype.ACGT0}, []MarkerInfo{testMarker("m1", "3", 1000)}, samples, rows...)
	defer m.Close()

	res, err := RunCensus(context.Background(), CensusParams{Matrix: m})
	c.Assert(err, check.IsNil)
	c.Assert(res.Records, check.HasLen, 1)
	c.Check(res.Samples, check.HasLen, 5)
	rec := res.Records[0]
	c.Check(rec.Mismatch, check.Equals, false)
	c.Check(rec.Major, check.Equals, byte('A'))
	c.Check(rec.Minor, check.Equals, byte('G'))
	for _, cat := range []census.Category{census.All, census.ControlOnly, census.HWAlt} {
		c.Check(rec.Table(cat), check.Equals, census.Table{HomMajor: 2, Het: 1, HomMinor: 1, Missing: 1}, check.Commentf("%s", cat))
	}
	c.Check(rec.Table(census.CaseOnly), check.Equals, census.Table{})
}

func (s *censusSuite) TestSexChromosomes(c *check.C) {
	samples := []SampleInfo{
		testSample("m1", census.Male, census.Control),
		testSample("f1", census.Female, census.Control),
		testSample("f2", census.Female, census.Case),
	}
	mks := []MarkerInfo{testMarker("x1", "X", 10), testMarker("y1", "Y", 10)}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, mks, samples,
		"AA CC",
		"AG 00",
		"AA 00")
	defer m.Close()

	for _, half := range []bool{false, true} {
		res, err := RunCensus(context.Background(), CensusParams{Matrix: m, HalfWeightMaleX: half})
		c.Assert(err, check.IsNil)
		x := res.Records[0]
		w := 1.0
		if half {
			w = 0.5
		}
		c.Check(x.Table(census.ControlOnly), check.Equals, census.Table{HomMajor: w, Het: 1})
		// The male X call is left out of the alternate HW table.
		c.Check(x.Table(census.HWAlt), check.Equals, census.Table{Het: 1})
		y := res.Records[1]
		// Female Y calls are not counted at all, not even as
		// missing.
		c.Check(y.Table(census.All), check.Equals, census.Table{HomMajor: 1})
	}
}

func (s *censusSuite) TestExclusionThresholdBoundary(c *check.C) {
	samples := []SampleInfo{
		testSample("s1", census.Male, census.Case),
		testSample("s2", census.Male, census.Control),
		testSample("s3", census.Female, census.Control),
	}
	mks := []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2)}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, mks, samples,
		"AA 00",
		"AA AG",
		"AG GG")
	defer m.Close()
	ctx := context.Background()
	sqa, err := RunSampleQA(ctx, m)
	c.Assert(err, check.IsNil)
	c.Check(sqa[0].MissingRatio, check.Equals, 0.5)
	c.Check(sqa[2].HetRatio, check.Equals, 0.5)
	mqa, err := RunMarkerQA(ctx, m, 1)
	c.Assert(err, check.IsNil)
	c.Check(mqa[1].MissingRatio, check.Equals, 1.0/3)

	params := CensusParams{
		Matrix:             m,
		SampleQA:           sqa,
		MarkerQA:           mqa,
		SampleMissingRatio: 0.5,
		SampleHetRatio:     1,
		MarkerMissingRatio: 1.0 / 3,
	}
	res, err := RunCensus(ctx, params)
	c.Assert(err, check.IsNil)
	c.Check(res.ExcludedSamples, check.Equals, 0)
	c.Check(res.ExcludedMarkers, check.Equals, 0)
	c.Check(res.Records, check.HasLen, 2)

	params.SampleMissingRatio = math.Nextafter(0.5, 0)
	params.MarkerMissingRatio = math.Nextafter(1.0/3, 0)
	res, err = RunCensus(ctx, params)
	c.Assert(err, check.IsNil)
	c.Check(res.ExcludedSamples, check.Equals, 1)
	c.Check(res.ExcludedMarkers, check.Equals, 1)
	c.Assert(res.Records, check.HasLen, 1)
	c.Check(res.Records[0].Key, check.Equals, mks[0].Key)
	c.Check(res.Samples, check.DeepEquals, []SampleKey{samples[1].Key, samples[2].Key})
	c.Check(res.Records[0].Table(census.All), check.Equals, census.Table{HomMajor: 1, Het: 1})

	params.SampleHetRatio = 0.25
	params.SampleMissingRatio = 0
	res, err = RunCensus(ctx, params)
	c.Check(err, check.Equals, ErrNoDataLeft)
	c.Check(res, check.IsNil)

	params.SampleQA = sqa[:2]
	_, err = RunCensus(ctx, params)
	c.Check(err, check.ErrorMatches, `sample QA has 2 records, matrix has 3 samples`)
}

func (s *censusSuite) TestMismatches(c *check.C) {
	samples := []SampleInfo{
		testSample("s1", census.Male, census.Case),
		testSample("s2", census.Male, census.Control),
	}
	mks := []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2)}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, mks, samples,
		"AC AA",
		"AG AG")
	defer m.Close()
	ctx := context.Background()
	mqa, err := RunMarkerQA(ctx, m, 10)
	c.Assert(err, check.IsNil)
	c.Check(mqa[0].Mismatch, check.Equals, true)
	c.Check(mqa[0].Major, check.Equals, genotype.Missing)
	c.Check(mqa[1].Mismatch, check.Equals, false)
	c.Check(mqa[1].MajorFreq, check.Equals, 0.75)

	res, err := RunCensus(ctx, CensusParams{Matrix: m, MarkerQA: mqa, MarkerMissingRatio: 1})
	c.Assert(err, check.IsNil)
	c.Assert(res.Records, check.HasLen, 2)
	c.Check(res.Records[0].Mismatch, check.Equals, true)
	c.Check(res.Records[0].Table(census.All), check.Equals, census.Table{})

	res, err = RunCensus(ctx, CensusParams{Matrix: m, MarkerQA: mqa, MarkerMissingRatio: 1, DiscardMismatches: true})
	c.Assert(err, check.IsNil)
	c.Check(res.ExcludedMarkers, check.Equals, 1)
	c.Assert(res.Records, check.HasLen, 1)
	c.Check(res.Records[0].Index, check.Equals, 1)
}

func (s *censusSuite) TestMarkerQAChunkSize(c *check.C) {
	mks := []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2), testMarker("m3", "2", 1)}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, mks, []SampleInfo{testSample("s1", census.Male, census.Case)}, "AA AG 00")
	defer m.Close()
	ctx := context.Background()
	expect, err := RunMarkerQA(ctx, m, 1)
	c.Assert(err, check.IsNil)
	c.Assert(expect, check.HasLen, 3)
	for _, chunkSize := range []int{0, -1, 2, 1000} {
		mqa, err := RunMarkerQA(ctx, m, chunkSize)
		c.Assert(err, check.IsNil)
		c.Check(mqa, check.DeepEquals, expect, check.Commentf("chunk size %d", chunkSize))
	}
}

func (s *censusSuite) TestStreaming(c *check.C) {
	samples := []SampleInfo{
		testSample("s1", census.Male, census.Case),
		testSample("s2", census.Female, census.Control),
	}
	mks := []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2), testMarker("m3", "2", 1)}
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, mks, samples,
		"AA AG GG",
		"AG GG GG")
	defer m.Close()

	var begun bool
	var chunks [][]CensusMarker
	res, err := RunCensus(context.Background(), CensusParams{
		Matrix: m,
		// Phenotypes turn s1 into a control.
		Phenotypes: phenotypes{{SampleID: "s1"}: {SampleID: "s1", Sex: census.Male, Affection: census.Control}},
		ChunkSize:  2,
		Begin: func(res *CensusResult) error {
			begun = true
			c.Check(res.Samples, check.HasLen, 2)
			return nil
		},
		Emit: func(recs []CensusMarker) error {
			c.Check(begun, check.Equals, true)
			chunks = append(chunks, recs)
			return nil
		},
	})
	c.Assert(err, check.IsNil)
	c.Check(res.Records, check.HasLen, 0)
	c.Check(res.MarkerCount, check.Equals, 3)
	c.Assert(chunks, check.HasLen, 2)
	c.Check(chunks[0], check.HasLen, 2)
	c.Check(chunks[1], check.HasLen, 1)
	c.Check(chunks[1][0].Key, check.Equals, mks[2].Key)
	c.Check(chunks[0][0].Table(census.ControlOnly), check.Equals, census.Table{HomMajor: 1, Het: 1})
	c.Check(chunks[0][0].Table(census.CaseOnly), check.Equals, census.Table{})
}

func (s *censusSuite) TestCanceled(c *check.C) {
	m := writeTestMatrix(c, c.MkDir(), MatrixMetadata{}, []MarkerInfo{testMarker("m1", "1", 1)}, []SampleInfo{testSample("s1", census.Male, census.Case)}, "AA")
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunCensus(ctx, CensusParams{Matrix: m})
	c.Check(err, check.Equals, context.Canceled)
}

func (s *censusSuite) TestCensusCommand(c *check.C) {
	tmpdir := c.MkDir()
	var samples []SampleInfo
	var rows []string
	for i := 0; i < 4; i++ {
		aff := census.Control
		if i%2 == 0 {
			aff = census.Case
		}
		samples = append(samples, testSample(string(rune('a'+i)), census.Female, aff))
		rows = append(rows, "AA AG")
	}
	dir := filepath.Join(tmpdir, "matrix")
	m := writeTestMatrix(c, dir, MatrixMetadata{ID: "matrix1"}, []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2)}, samples, rows...)
	c.Assert(m.Close(), check.IsNil)

	out := filepath.Join(tmpdir, "census.gob.gz")
	var stderr strings.Builder
	code := (&censusCommand{}).RunCommand("gwaspi census", []string{"-local", "-catalog", filepath.Join(tmpdir, "catalog.db"), "-i", dir, "-o", out}, nil, nil, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	res, err := ReadOperation(out)
	c.Assert(err, check.IsNil)
	c.Check(res.Kind, check.Equals, OpCensus)
	c.Check(res.MatrixID, check.Equals, "matrix1")
	c.Check(res.Samples, check.HasLen, 4)
	c.Assert(res.Census, check.HasLen, 2)
	c.Check(res.Census[1].Table(census.CaseOnly), check.Equals, census.Table{Het: 2})

	cat, err := openCatalog(filepath.Join(tmpdir, "catalog.db"))
	c.Assert(err, check.IsNil)
	defer cat.Close()
	ops, err := cat.Operations(context.Background(), "matrix1")
	c.Assert(err, check.IsNil)
	c.Assert(ops, check.HasLen, 1)
	c.Check(ops[0].ID, check.Equals, res.ID)
	c.Check(ops[0].Path, check.Equals, out)

	code = (&censusCommand{}).RunCommand("gwaspi census", []string{"-local", "-i", dir}, nil, nil, &stderr)
	c.Check(code, check.Equals, 2)
}
