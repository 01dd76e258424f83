// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"gopkg.in/check.v1"
)

type associationSuite struct{}

var _ = check.Suite(&associationSuite{})

func censusMarker(key string, cases, controls census.Table) CensusMarker {
	rec := CensusMarker{Key: markers.Key(key), Chromosome: "1", Record: census.Record{Major: 'A', Minor: 'G'}}
	rec.Tables[census.All] = census.Table{
		HomMajor: cases.HomMajor + controls.HomMajor,
		Het:      cases.Het + controls.Het,
		HomMinor: cases.HomMinor + controls.HomMinor,
	}
	rec.Tables[census.CaseOnly] = cases
	rec.Tables[census.ControlOnly] = controls
	rec.Tables[census.HWAlt] = controls
	return rec
}

func (s *associationSuite) TestHardyWeinbergEquilibrium(c *check.C) {
	recs := []CensusMarker{
		censusMarker("eq", census.Table{}, census.Table{HomMajor: 25, Het: 50, HomMinor: 25}),
		censusMarker("neq", census.Table{}, census.Table{Het: 40}),
	}
	hw, err := RunHardyWeinberg(context.Background(), recs, true)
	c.Assert(err, check.IsNil)
	c.Assert(hw, check.HasLen, 2)
	c.Check(hw[0].Control.P > 0.05, check.Equals, true)
	c.Check(hw[0].Control.ExactP > 0.05, check.Equals, true)
	c.Check(hw[0].Control.ObservedHet, check.Equals, 0.5)
	c.Check(hw[0].Control.ExpectedHet, check.Equals, 0.5)
	c.Check(hw[0].HWAlt, check.Equals, hw[0].Control)
	c.Check(hw[1].Control.P < 1e-7, check.Equals, true)
	c.Check(hw[1].Control.ExactP < 1e-7, check.Equals, true)

	hw, err = RunHardyWeinberg(context.Background(), recs, false)
	c.Assert(err, check.IsNil)
	c.Check(hw[0].Control.ExactP, check.Equals, 0.0)
}

func (s *associationSuite) TestAssociation(c *check.C) {
	recs := []CensusMarker{
		censusMarker("null", census.Table{HomMajor: 25, Het: 50, HomMinor: 25}, census.Table{HomMajor: 25, Het: 50, HomMinor: 25}),
		censusMarker("hit", census.Table{HomMajor: 10, Het: 40, HomMinor: 50}, census.Table{HomMajor: 50, Het: 40, HomMinor: 10}),
	}
	for _, kind := range []OperationKind{OpAllelic, OpGenotypic, OpTrend} {
		out, err := RunAssociation(context.Background(), AssociationParams{Kind: kind, Census: recs})
		c.Assert(err, check.IsNil)
		c.Assert(out, check.HasLen, 2)
		c.Check(out[0].Key, check.Equals, markers.Key("null"))
		c.Check(out[0].P, check.Equals, 1.0, check.Commentf("%s", kind))
		c.Check(out[1].P < 1e-10, check.Equals, true, check.Commentf("%s p=%g", kind, out[1].P))
		c.Check(topHits(out, 1)[0].Key, check.Equals, markers.Key("hit"))
		switch kind {
		case OpAllelic:
			c.Check(out[0].OddsRatio, check.Equals, 1.0)
			c.Check(out[1].OddsRatio > 1, check.Equals, true)
			c.Check(out[1].FisherP < 1e-10, check.Equals, true)
		case OpGenotypic:
			c.Check(out[1].OddsRatio, check.Equals, 5.0)
			c.Check(out[1].OddsRatio2, check.Equals, 25.0)
		}
	}
	_, err := RunAssociation(context.Background(), AssociationParams{Kind: OpCensus, Census: recs})
	c.Check(err, check.ErrorMatches, `unsupported association test "census"`)
}

func (s *associationSuite) TestOddsRatioZeroCells(c *check.C) {
	rec := censusMarker("x", census.Table{HomMajor: 10}, census.Table{HomMajor: 10})
	out, err := associationTest(OpAllelic, &rec)
	c.Assert(err, check.IsNil)
	c.Check(math.IsNaN(out.OddsRatio), check.Equals, true)
	rec = censusMarker("x", census.Table{HomMinor: 10}, census.Table{HomMajor: 10})
	out, err = associationTest(OpAllelic, &rec)
	c.Assert(err, check.IsNil)
	c.Check(math.IsInf(out.OddsRatio, 1), check.Equals, true)
}

func (s *associationSuite) TestHardyWeinbergExclusion(c *check.C) {
	recs := []CensusMarker{
		censusMarker("m1", census.Table{HomMajor: 1}, census.Table{Het: 40}),
		censusMarker("m2", census.Table{HomMajor: 1}, census.Table{HomMajor: 25, Het: 50, HomMinor: 25}),
	}
	hw, err := RunHardyWeinberg(context.Background(), recs, false)
	c.Assert(err, check.IsNil)
	out, err := RunAssociation(context.Background(), AssociationParams{Kind: OpTrend, Census: recs, HardyWeinberg: hw, HWThreshold: 0.0000005})
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 1)
	c.Check(out[0].Key, check.Equals, markers.Key("m2"))

	_, err = RunAssociation(context.Background(), AssociationParams{Kind: OpTrend, Census: recs, HardyWeinberg: hw, HWThreshold: 1.1})
	c.Check(err, check.Equals, ErrNoDataLeft)
}

func (s *associationSuite) TestPipeline(c *check.C) {
	tmpdir := c.MkDir()
	// 40 cases and 40 controls; marker "hit" is associated with
	// affection, marker "flat" is not.
	var samples []SampleInfo
	var rows []string
	for i := 0; i < 80; i++ {
		aff := census.Control
		hit := []string{"AA", "AG", "AG", "GG"}[i%4]
		if i >= 40 {
			aff = census.Case
			hit = []string{"GG", "GG", "AG", "GG"}[i%4]
		}
		flat := []string{"CC", "CT", "CT", "TT"}[i%4]
		samples = append(samples, testSample(fmt.Sprintf("s%d", i), census.Female, aff))
		rows = append(rows, flat+" "+hit)
	}
	dir := filepath.Join(tmpdir, "matrix")
	m := writeTestMatrix(c, dir, MatrixMetadata{Encoding: genotype.ACGT0}, []MarkerInfo{testMarker("flat", "1", 10), testMarker("hit", "1", 20)}, samples, rows...)
	c.Assert(m.Close(), check.IsNil)

	censusOut := filepath.Join(tmpdir, "census.gob.gz")
	hwOut := filepath.Join(tmpdir, "hw.gob.gz")
	var stderr bytes.Buffer
	code := (&censusCommand{}).RunCommand("gwaspi census", []string{"-local", "-sample-het-ratio=1", "-i", dir, "-o", censusOut}, nil, nil, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	code = (&hardyWeinbergCommand{}).RunCommand("gwaspi hardy-weinberg", []string{"-local", "-exact", "-i", censusOut, "-o", hwOut}, nil, nil, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	code = (&hardyWeinbergCommand{}).RunCommand("gwaspi hardy-weinberg", []string{"-local", "-i", hwOut, "-o", filepath.Join(tmpdir, "x.gob.gz")}, nil, nil, &stderr)
	c.Check(code, check.Equals, 1)

	cres, err := ReadOperation(censusOut)
	c.Assert(err, check.IsNil)
	hres, err := ReadOperation(hwOut)
	c.Assert(err, check.IsNil)
	c.Check(hres.ParentOperation, check.Equals, cres.ID)
	c.Assert(hres.HardyWeinberg, check.HasLen, 2)
	c.Check(hres.HardyWeinberg[0].Control.P > 0.05, check.Equals, true)

	for _, kind := range []OperationKind{OpAllelic, OpGenotypic, OpTrend} {
		out := filepath.Join(tmpdir, string(kind)+".gob.gz")
		code = (&associationCommand{kind: kind}).RunCommand("gwaspi "+string(kind), []string{"-local", "-i", censusOut, "-hardy-weinberg", hwOut, "-o", out}, nil, nil, &stderr)
		c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
		ares, err := ReadOperation(out)
		c.Assert(err, check.IsNil)
		c.Check(ares.Kind, check.Equals, kind)
		c.Check(ares.ParentOperation, check.Equals, hres.ID)
		c.Assert(ares.Association, check.HasLen, 2)
		c.Check(ares.Association[0].P > 0.05, check.Equals, true)
		c.Check(ares.Association[1].P < 0.001, check.Equals, true)

		var buf bytes.Buffer
		c.Assert(dumpOperation(&buf, ares), check.IsNil)
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		c.Check(lines[0], check.Equals, "# id: "+ares.ID)
		c.Check(lines[len(lines)-1], check.Matches, `1\thit\t1\t20\t.*`)
	}

	var buf bytes.Buffer
	c.Assert(dumpOperation(&buf, cres), check.IsNil)
	c.Check(buf.String(), check.Matches, `(?s).*\n0\tflat\t1\t10\tfalse\tC\tT\t20/40/20/0\t10/20/10/0\t10/20/10/0\t10/20/10/0\n.*`)
}
