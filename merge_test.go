// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"gopkg.in/check.v1"
)

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

func markerKeys(mks []MarkerInfo) []markers.Key {
	var keys []markers.Key
	for _, mi := range mks {
		keys = append(keys, mi.Key)
	}
	return keys
}

func sampleIDs(samples []SampleInfo) []string {
	var ids []string
	for _, si := range samples {
		ids = append(ids, si.Key.SampleID)
	}
	return ids
}

// readAll returns each sample's genotypes as a string.
func readAll(c *check.C, m *MatrixReader) []string {
	var rows []string
	for s := range m.Samples {
		gs, err := m.ReadSample(s)
		c.Assert(err, check.IsNil)
		rows = append(rows, genotypeStrings(gs))
	}
	return rows
}

func (s *mergeSuite) TestFullMerge(c *check.C) {
	tmpdir := c.MkDir()
	a := writeTestMatrix(c, filepath.Join(tmpdir, "a"), MatrixMetadata{Name: "A", Encoding: genotype.ACGT0, Technology: "chip1"},
		[]MarkerInfo{testMarker("M1", "1", 100), testMarker("M2", "1", 200)},
		[]SampleInfo{testSample("S1", census.Male, census.Case), testSample("S2", census.Female, census.Control)},
		"AA AC",
		"AC AA")
	defer a.Close()
	bM2 := testMarker("M2", "1", 200)
	bM2.RSID = "rs2"
	b := writeTestMatrix(c, filepath.Join(tmpdir, "b"), MatrixMetadata{Name: "B", Encoding: genotype.ACGT0, Technology: "chip2"},
		[]MarkerInfo{testMarker("M3", "2", 50), bM2},
		[]SampleInfo{testSample("S2", census.Female, census.Case), testSample("S3", census.Male, census.Control)},
		"GG CC",
		"AG AC")
	defer b.Close()

	dir := filepath.Join(tmpdir, "merged")
	res, err := Merge(context.Background(), MergeParams{Method: MergeFull, A: a, B: b, Dir: dir, Name: "merged"})
	c.Assert(err, check.IsNil)
	c.Check(res.Metadata.Encoding, check.Equals, genotype.ACGT0)
	c.Check(res.Metadata.Technology, check.Equals, "UNKNOWN")
	c.Check(res.Metadata.ParentMatrixIDs, check.DeepEquals, []string{"a", "b"})
	c.Check(res.Metadata.Description, check.Matches, `merge \(full\) of matrix a \(A\) and matrix b \(B\)`)
	c.Check(res.Mismatched, check.Equals, 0)
	c.Check(res.MismatchWarning, check.Equals, false)

	m, err := OpenMatrix(dir)
	c.Assert(err, check.IsNil)
	defer m.Close()
	c.Check(markerKeys(m.Markers), check.DeepEquals, []markers.Key{"M1", "M2", "M3"})
	c.Check(m.Markers[1].RSID, check.Equals, "rs2")
	c.Check(sampleIDs(m.Samples), check.DeepEquals, []string{"S1", "S2", "S3"})
	// S2's info comes from B.
	c.Check(m.Samples[1].Affection, check.Equals, census.Case)
	c.Check(m.Metadata.ChromosomeCount, check.Equals, 2)
	c.Check(readAll(c, m), check.DeepEquals, []string{
		"AA AC 00",
		// S2: M1 from A, M2 and M3 from B.
		"AC CC GG",
		"00 AC AG",
	})
}

func (s *mergeSuite) TestMergeWithSelf(c *check.C) {
	tmpdir := c.MkDir()
	mks := []MarkerInfo{testMarker("r1", "2", 5), testMarker("r2", "10", 5), testMarker("r3", "X", 1), testMarker("r4", "MT", 7)}
	samples := []SampleInfo{testSample("s1", census.Male, census.Case), testSample("s2", census.Female, census.Control)}
	rows := []string{"AA CT 00 GG", "AG TT A0 GG"}
	a := writeTestMatrix(c, filepath.Join(tmpdir, "a"), MatrixMetadata{Encoding: genotype.ACGT0}, mks, samples, rows...)
	defer a.Close()

	for _, method := range []MergeMethod{MergeMingleMarkers, MergeAppendSamples, MergeFull} {
		c.Logf("method %s", method)
		dir := filepath.Join(tmpdir, method.String())
		_, err := Merge(context.Background(), MergeParams{Method: method, A: a, B: a, Dir: dir})
		c.Assert(err, check.IsNil)
		m, err := OpenMatrix(dir)
		c.Assert(err, check.IsNil)
		c.Check(m.Markers, check.DeepEquals, a.Markers)
		c.Check(m.Samples, check.DeepEquals, a.Samples)
		c.Check(readAll(c, m), check.DeepEquals, rows)
		c.Check(m.Close(), check.IsNil)
	}
}

func (s *mergeSuite) TestMingleMarkers(c *check.C) {
	tmpdir := c.MkDir()
	a := writeTestMatrix(c, filepath.Join(tmpdir, "a"), MatrixMetadata{Name: "A", Encoding: genotype.ACGT0},
		[]MarkerInfo{testMarker("a1", "1", 100), testMarker("sh", "1", 300), testMarker("a2", "2", 50), testMarker("a3", "X", 10)},
		[]SampleInfo{testSample("s1", census.Male, census.Case), testSample("s2", census.Female, census.Control), testSample("s3", census.Male, census.Control)},
		"AA CC GG A0",
		"AC CT GT 00",
		"CC TT TT AA")
	defer a.Close()
	// Same samples in reverse order, with markers falling between
	// a's on chromosomes 1 and 2, plus one on chromosome 10.
	b := writeTestMatrix(c, filepath.Join(tmpdir, "b"), MatrixMetadata{Name: "B", Encoding: genotype.ACGT0},
		[]MarkerInfo{testMarker("b1", "1", 200), testMarker("sh", "1", 300), testMarker("b3", "2", 20), testMarker("b2", "10", 5)},
		[]SampleInfo{testSample("s3", census.Male, census.Control), testSample("s2", census.Female, census.Control), testSample("s1", census.Male, census.Control)},
		"GG CT GG 00",
		"GT 00 CG AA",
		"TT CC CG AG")
	defer b.Close()

	dir := filepath.Join(tmpdir, "mingled")
	res, err := Merge(context.Background(), MergeParams{Method: MergeMingleMarkers, A: a, B: b, Dir: dir, Name: "mingled"})
	c.Assert(err, check.IsNil)
	c.Check(res.Mismatched, check.Equals, 0)

	m, err := OpenMatrix(dir)
	c.Assert(err, check.IsNil)
	defer m.Close()
	c.Check(markerKeys(m.Markers), check.DeepEquals, []markers.Key{"a1", "b1", "sh", "b3", "a2", "b2", "a3"})
	c.Check(m.Metadata.ChromosomeCount, check.Equals, 4)
	// Sample order follows a; sample info comes from b.
	c.Check(sampleIDs(m.Samples), check.DeepEquals, []string{"s1", "s2", "s3"})
	c.Check(m.Samples[0].Affection, check.Equals, census.Control)
	c.Check(readAll(c, m), check.DeepEquals, []string{
		"AA TT CC CG GG AG A0",
		// b's missing call on the shared marker wins.
		"AC GT 00 CG GT AA 00",
		"CC GG CT GG TT 00 AA",
	})
}

func (s *mergeSuite) TestAppendSamples(c *check.C) {
	tmpdir := c.MkDir()
	a := writeTestMatrix(c, filepath.Join(tmpdir, "a"), MatrixMetadata{Encoding: genotype.AB0, HasDictionary: true},
		[]MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2)},
		[]SampleInfo{testSample("s1", census.Male, census.Case), testSample("s2", census.Male, census.Case)},
		"AA AB",
		"BB AB")
	defer a.Close()
	b := writeTestMatrix(c, filepath.Join(tmpdir, "b"), MatrixMetadata{Encoding: genotype.AB0},
		[]MarkerInfo{testMarker("m2", "1", 2), testMarker("m9", "9", 9)},
		[]SampleInfo{testSample("s2", census.Male, census.Control), testSample("s3", census.Female, census.Control)},
		"BB AA",
		"AA BB")
	defer b.Close()

	dir := filepath.Join(tmpdir, "out")
	res, err := Merge(context.Background(), MergeParams{Method: MergeAppendSamples, A: a, B: b, Dir: dir})
	c.Assert(err, check.IsNil)
	c.Check(res.Metadata.HasDictionary, check.Equals, false)
	m, err := OpenMatrix(dir)
	c.Assert(err, check.IsNil)
	defer m.Close()
	c.Check(markerKeys(m.Markers), check.DeepEquals, []markers.Key{"m1", "m2"})
	c.Check(sampleIDs(m.Samples), check.DeepEquals, []string{"s1", "s2", "s3"})
	c.Check(readAll(c, m), check.DeepEquals, []string{
		"AA AB",
		// s2 comes entirely from b, which has no m1.
		"00 BB",
		"00 AA",
	})

	_, err = Merge(context.Background(), MergeParams{Method: MergeMingleMarkers, A: a, B: b, Dir: filepath.Join(tmpdir, "fail")})
	c.Check(err, check.ErrorMatches, `cannot mingle markers: .*different sample sets`)
}

func (s *mergeSuite) TestMismatchWarning(c *check.C) {
	tmpdir := c.MkDir()
	mks := []MarkerInfo{testMarker("m1", "1", 1), testMarker("m2", "1", 2)}
	a := writeTestMatrix(c, filepath.Join(tmpdir, "a"), MatrixMetadata{Encoding: genotype.ACGT0}, mks,
		[]SampleInfo{testSample("s1", census.Male, census.Case)},
		"AG CC")
	defer a.Close()
	// b is on the opposite strand.
	b := writeTestMatrix(c, filepath.Join(tmpdir, "b"), MatrixMetadata{Encoding: genotype.ACGT0}, mks,
		[]SampleInfo{testSample("s2", census.Male, census.Case)},
		"TC GT")
	defer b.Close()

	cat, err := openCatalog(filepath.Join(tmpdir, "catalog.db"))
	c.Assert(err, check.IsNil)
	defer cat.Close()
	dir := filepath.Join(tmpdir, "out")
	res, err := Merge(context.Background(), MergeParams{Method: MergeFull, A: a, B: b, Dir: dir, Catalog: cat})
	c.Assert(err, check.IsNil)
	c.Check(res.Mismatched, check.Equals, 2)
	c.Check(res.MismatchRatio, check.Equals, 1.0)
	c.Check(res.MismatchWarning, check.Equals, true)
	c.Check(strings.Contains(res.Metadata.Description, "WARNING: 2 markers"), check.Equals, true)

	m, err := OpenMatrix(dir)
	c.Assert(err, check.IsNil)
	defer m.Close()
	c.Check(m.Metadata.Description, check.Equals, res.Metadata.Description)
	cm, err := cat.Matrix(context.Background(), res.Metadata.ID)
	c.Assert(err, check.IsNil)
	c.Check(cm.Description, check.Equals, res.Metadata.Description)
	c.Check(cm.Parents, check.Equals, "a,b")
	c.Check(cm.Dir, check.Equals, dir)

	res, err = Merge(context.Background(), MergeParams{Method: MergeFull, A: a, B: b, Dir: filepath.Join(tmpdir, "out2"), MismatchRatioByMarkers: true, MismatchThreshold: 1})
	c.Assert(err, check.IsNil)
	c.Check(res.MismatchRatio, check.Equals, 1.0)
	c.Check(res.MismatchWarning, check.Equals, false)
}

func (s *mergeSuite) TestParseMergeMethod(c *check.C) {
	for _, method := range []MergeMethod{MergeMingleMarkers, MergeAppendSamples, MergeFull} {
		m, err := ParseMergeMethod(method.String())
		c.Check(err, check.IsNil)
		c.Check(m, check.Equals, method)
	}
	_, err := ParseMergeMethod("zip")
	c.Check(err, check.NotNil)
}
