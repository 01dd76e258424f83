// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestResolve(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "gwaspi.toml")
	err := os.WriteFile(fnm, []byte(`
catalog = "/toml/catalog.db"
chunk_size = 2000
priority = 3
preemptible = true
`), 0666)
	c.Assert(err, check.IsNil)

	var rf runFlags
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	rf.Flags(flags)
	c.Assert(parseFlags(flags, []string{"-config", fnm, "-priority=7"}), check.IsNil)
	c.Assert(rf.Resolve(flags), check.IsNil)
	c.Check(rf.Catalog, check.Equals, "/toml/catalog.db")
	c.Check(rf.ChunkSize, check.Equals, 2000)
	c.Check(rf.Priority, check.Equals, 7)
	c.Check(rf.Preemptible, check.Equals, true)

	os.Setenv("GWASPI_CATALOG", "/env/catalog.db")
	defer os.Unsetenv("GWASPI_CATALOG")
	rf = runFlags{}
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	rf.Flags(flags)
	c.Assert(parseFlags(flags, []string{"-config", fnm, "-chunk-size=5000"}), check.IsNil)
	c.Assert(rf.Resolve(flags), check.IsNil)
	c.Check(rf.Catalog, check.Equals, "/env/catalog.db")
	c.Check(rf.ChunkSize, check.Equals, 5000)
	c.Check(rf.Priority, check.Equals, 3)

	rf = runFlags{}
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	rf.Flags(flags)
	c.Assert(parseFlags(flags, []string{"-catalog", "/flag/catalog.db"}), check.IsNil)
	c.Assert(rf.Resolve(flags), check.IsNil)
	c.Check(rf.Catalog, check.Equals, "/flag/catalog.db")
	c.Check(rf.ChunkSize, check.Equals, defaultChunkSize)

	rf = runFlags{}
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	rf.Flags(flags)
	c.Assert(parseFlags(flags, []string{"-config", filepath.Join(c.MkDir(), "missing.toml")}), check.IsNil)
	c.Check(rf.Resolve(flags), check.ErrorMatches, `.*missing.toml: .*`)
}

func (s *configSuite) TestChunkSize(c *check.C) {
	for _, trial := range []struct{ in, out int }{
		{0, defaultChunkSize},
		{-1, defaultChunkSize},
		{10, minChunkSize},
		{5000, 5000},
		{10000000, maxChunkSize},
	} {
		cfg := Config{ChunkSize: trial.in}
		c.Check(cfg.chunkSize(), check.Equals, trial.out, check.Commentf("%d", trial.in))
	}
}

func (s *configSuite) TestParseFlags(c *check.C) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(&bytes.Buffer{})
	flags.String("i", "", "input")
	c.Check(parseFlags(flags, []string{"-i", "x", "extra"}), check.FitsTypeOf, usageError{})
	c.Check(parseFlags(flags, []string{"-bogus"}), check.FitsTypeOf, usageError{})
	c.Check(parseFlags(flags, []string{"-help"}), check.Equals, errHelp)
}

func (s *configSuite) TestExitCode(c *check.C) {
	for _, trial := range []struct {
		err  error
		code int
	}{
		{nil, 0},
		{errHelp, 0},
		{ErrNoDataLeft, 0},
		{fmt.Errorf("census: %w", ErrNoDataLeft), 0},
		{usageError{errors.New("missing required flag -i")}, 2},
		{errors.New("disk full"), 1},
	} {
		var stderr bytes.Buffer
		c.Check(exitCode(trial.err, &stderr), check.Equals, trial.code, check.Commentf("%v", trial.err))
		if trial.code > 0 {
			c.Check(stderr.String(), check.Equals, trial.err.Error()+"\n")
		}
	}
}

type catalogSuite struct{}

var _ = check.Suite(&catalogSuite{})

func (s *catalogSuite) TestSqliteCatalog(c *check.C) {
	ctx := context.Background()
	fnm := filepath.Join(c.MkDir(), "catalog.db")
	cat, err := openCatalog(fnm)
	c.Assert(err, check.IsNil)
	meta := MatrixMetadata{
		ID:              "m1",
		StudyID:         3,
		Name:            "first",
		Technology:      "chip",
		Encoding:        genotype.AB0,
		HasDictionary:   true,
		SampleCount:     10,
		MarkerCount:     20,
		ChromosomeCount: 2,
		ParentMatrixIDs: []string{"p1", "p2"},
		Description:     "test matrix",
		Checksum:        "abc",
		Created:         time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	c.Assert(cat.RegisterMatrix(ctx, meta, "/data/m1"), check.IsNil)
	c.Assert(cat.UpdateMatrixDescription(ctx, "m1", "updated"), check.IsNil)
	c.Check(cat.UpdateMatrixDescription(ctx, "m2", "x"), check.ErrorMatches, `update matrix m2: not found in catalog`)

	for _, hdr := range []OperationHeader{
		{ID: "op1", Kind: OpSampleQA, MatrixID: "m1", Created: meta.Created.Add(time.Minute)},
		{ID: "op2", Kind: OpCensus, MatrixID: "m1", ParentOperation: "op1", Created: meta.Created.Add(time.Hour)},
		{ID: "op3", Kind: OpCensus, MatrixID: "other", Created: meta.Created},
	} {
		runID, err := cat.RegisterOperation(ctx, hdr, "/data/"+hdr.ID+".gob.gz")
		c.Check(err, check.IsNil)
		c.Check(runID, check.Not(check.Equals), "")
	}
	_, err = cat.RegisterOperation(ctx, OperationHeader{ID: "op1"}, "/dup")
	c.Check(err, check.ErrorMatches, `register operation op1: .*`)
	c.Assert(cat.Close(), check.IsNil)

	// Reopening keeps existing records.
	cat, err = openCatalog(fnm)
	c.Assert(err, check.IsNil)
	defer cat.Close()
	cm, err := cat.Matrix(ctx, "m1")
	c.Assert(err, check.IsNil)
	c.Check(cm.Name, check.Equals, "first")
	c.Check(cm.Dir, check.Equals, "/data/m1")
	c.Check(cm.Encoding, check.Equals, "AB0")
	c.Check(cm.HasDictionary, check.Equals, true)
	c.Check(cm.Parents, check.Equals, "p1,p2")
	c.Check(cm.Description, check.Equals, "updated")
	c.Check(cm.Created.Equal(meta.Created), check.Equals, true)
	_, err = cat.Matrix(ctx, "m404")
	c.Check(err, check.ErrorMatches, `matrix m404: not found in catalog`)

	ops, err := cat.Operations(ctx, "m1")
	c.Assert(err, check.IsNil)
	c.Assert(ops, check.HasLen, 2)
	c.Check(ops[0].ID, check.Equals, "op1")
	c.Check(ops[1].ID, check.Equals, "op2")
	c.Check(ops[1].Kind, check.Equals, "census")
	c.Check(ops[1].ParentOperation, check.Equals, "op1")
	c.Check(ops[1].Path, check.Equals, "/data/op2.gob.gz")
}

func (s *catalogSuite) TestNoCatalog(c *check.C) {
	ctx := context.Background()
	cat, err := openCatalog("")
	c.Assert(err, check.IsNil)
	c.Check(cat.RegisterMatrix(ctx, MatrixMetadata{ID: "m1"}, "/x"), check.IsNil)
	runID, err := cat.RegisterOperation(ctx, OperationHeader{ID: "op1"}, "/x")
	c.Check(err, check.IsNil)
	c.Check(runID, check.Not(check.Equals), "")
	_, err = cat.Matrix(ctx, "m1")
	c.Check(err, check.ErrorMatches, `matrix m1: no catalog configured`)
	ops, err := cat.Operations(ctx, "m1")
	c.Check(err, check.IsNil)
	c.Check(ops, check.HasLen, 0)
	c.Check(cat.Close(), check.IsNil)
}

type phenotypeSuite struct{}

var _ = check.Suite(&phenotypeSuite{})

func (s *phenotypeSuite) TestReadPhenotypes(c *check.C) {
	for _, sep := range []string{"\t", ","} {
		text := strings.Join([]string{"sample", "family", "sex", "affection"}, sep) + "\n" +
			strings.Join([]string{"S1", "F1", "2", "1"}, sep) + "\n\n" +
			strings.Join([]string{"S2", "F2", "1", "-9"}, sep) + "\n"
		ps, err := readPhenotypes(strings.NewReader(text), "pheno.txt")
		c.Assert(err, check.IsNil, check.Commentf("sep %q", sep))
		c.Check(ps, check.HasLen, 2)
		c.Check(ps[phenotypeKey{"F1", "S1"}], check.Equals, phenotype{SampleID: "S1", FamilyID: "F1", Sex: census.Female, Affection: census.Control})
		c.Check(ps[phenotypeKey{"F2", "S2"}].Affection, check.Equals, census.AffectionUnknown)
	}

	_, err := readPhenotypes(strings.NewReader("h\nS1\tF1\t2\n"), "pheno.txt")
	c.Check(err, check.ErrorMatches, `pheno.txt line 2: expected 4 fields.*`)
	_, err = readPhenotypes(strings.NewReader("h\nS1\tF1\t2\t5\n"), "pheno.txt")
	c.Check(err, check.ErrorMatches, `pheno.txt line 2: invalid affection code "5"`)
	_, err = readPhenotypes(strings.NewReader("h\nS1\tF1\tm\t1\n"), "pheno.txt")
	c.Check(err, check.ErrorMatches, `pheno.txt line 2: invalid sex code "m"`)
	_, err = readPhenotypes(strings.NewReader("h\nS1\tF1\t1\t1\nS1\tF1\t2\t2\n"), "pheno.txt")
	c.Check(err, check.ErrorMatches, `pheno.txt line 3: duplicate record for sample "S1" in family "F1"`)
}

func (s *phenotypeSuite) TestSharedSampleID(c *check.C) {
	text := "sample\tfamily\tsex\taffection\n" +
		"S1\tF1\t1\t2\n" +
		"S1\tF2\t2\t1\n" +
		"S2\tF1\t1\t1\n"
	ps, err := readPhenotypes(strings.NewReader(text), "pheno.txt")
	c.Assert(err, check.IsNil)
	c.Check(ps, check.HasLen, 3)

	samples := []SampleInfo{
		{Key: SampleKey{FamilyID: "F1", SampleID: "S1"}},
		{Key: SampleKey{FamilyID: "F2", SampleID: "S1"}},
		{Key: SampleKey{FamilyID: "F3", SampleID: "S1"}},
		{Key: SampleKey{SampleID: "S1"}},
		{Key: SampleKey{SampleID: "S2"}},
	}
	out := ps.Apply(samples)
	c.Check(out[0].Sex, check.Equals, census.Male)
	c.Check(out[0].Affection, check.Equals, census.Case)
	c.Check(out[1].Sex, check.Equals, census.Female)
	c.Check(out[1].Affection, check.Equals, census.Control)
	// No record for family F3.
	c.Check(out[2].Sex, check.Equals, census.SexUnknown)
	// Without a family ID, S1 is ambiguous and S2 is not.
	c.Check(out[3].Sex, check.Equals, census.SexUnknown)
	c.Check(out[4].Sex, check.Equals, census.Male)
	c.Check(out[4].Affection, check.Equals, census.Control)

	for i, si := range samples {
		p, ok := ps.Lookup(si.Key)
		c.Check(ok, check.Equals, out[i].Sex != census.SexUnknown, check.Commentf("sample %d", i))
		if ok {
			c.Check(p.Sex, check.Equals, out[i].Sex)
		}
	}
}

func (s *phenotypeSuite) TestApply(c *check.C) {
	ps := phenotypes{
		{"F1", "S1"}: {SampleID: "S1", FamilyID: "F1", Sex: census.Female, Affection: census.Case},
		{"", "S2"}:   {SampleID: "S2", Sex: census.Male, Affection: census.Control},
	}
	samples := []SampleInfo{
		{Key: SampleKey{FamilyID: "F1", SampleID: "S1"}},
		{Key: SampleKey{FamilyID: "F9", SampleID: "S2"}},
		{Key: SampleKey{FamilyID: "F3", SampleID: "S3"}, Sex: census.Male},
	}
	_, ok := ps.Lookup(SampleKey{FamilyID: "F2", SampleID: "S1"})
	c.Check(ok, check.Equals, false)
	out := ps.Apply(samples)
	c.Check(out[0].Sex, check.Equals, census.Female)
	c.Check(out[0].Affection, check.Equals, census.Case)
	// A record with no family ID matches any family.
	c.Check(out[1].Affection, check.Equals, census.Control)
	c.Check(out[2].Sex, check.Equals, census.Male)
	c.Check(out[2].Affection, check.Equals, census.AffectionUnknown)
	// The input is not modified.
	c.Check(samples[0].Sex, check.Equals, census.SexUnknown)
}

func (s *phenotypeSuite) TestCriteria(c *check.C) {
	tokens, err := readCriteria(strings.NewReader("# markers\nrs1\n\n  rs2  \n#rs3\n"))
	c.Assert(err, check.IsNil)
	c.Check(tokens, check.DeepEquals, []string{"rs1", "rs2"})
	c.Check(splitList(" 1, ,X,"), check.DeepEquals, []string{"1", "X"})
	c.Check(splitList(""), check.HasLen, 0)
}

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestMax(c *check.C) {
	var running, peak, done int64
	thr := throttle{Max: 3}
	for i := 0; i < 20; i++ {
		thr.Go(context.Background(), func() error {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&running, -1)
			atomic.AddInt64(&done, 1)
			return nil
		})
	}
	c.Check(thr.Wait(), check.IsNil)
	c.Check(done, check.Equals, int64(20))
	c.Check(peak <= 3, check.Equals, true, check.Commentf("peak %d", peak))
}

func (s *throttleSuite) TestFirstError(c *check.C) {
	thr := throttle{Max: 1}
	var after int64
	thr.Go(context.Background(), func() error { return errors.New("first") })
	c.Check(thr.Wait(), check.ErrorMatches, "first")
	thr.Go(context.Background(), func() error {
		atomic.AddInt64(&after, 1)
		return errors.New("second")
	})
	c.Check(thr.Wait(), check.ErrorMatches, "first")
	c.Check(after, check.Equals, int64(0))
}
