// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/markers"
	"github.com/arvados/gwaspi/stats"
	log "github.com/sirupsen/logrus"
)

type AssociationParams struct {
	Kind   OperationKind
	Census []CensusMarker
	// HardyWeinberg, if not nil, excludes markers whose control
	// p-value is below HWThreshold. Markers without a
	// Hardy-Weinberg record are kept.
	HardyWeinberg []HWRecord
	HWThreshold   float64
}

func genotypes(t census.Table) stats.Genotypes {
	return stats.Genotypes{t.HomMajor, t.Het, t.HomMinor}
}

// associationTest computes the statistics of one test kind for one
// census record.
func associationTest(kind OperationKind, rec *CensusMarker) (AssociationRecord, error) {
	out := AssociationRecord{
		Index:      rec.Index,
		Key:        rec.Key,
		Chromosome: rec.Chromosome,
		Position:   rec.Position,
		Major:      rec.Major,
		Minor:      rec.Minor,
	}
	cases := genotypes(rec.Table(census.CaseOnly))
	controls := genotypes(rec.Table(census.ControlOnly))
	switch kind {
	case OpAllelic:
		res := stats.AllelicTest(cases, controls)
		out.ChiSquare, out.P, out.OddsRatio, out.FisherP = res.ChiSquare, res.P, res.OddsRatio, res.FisherP
	case OpGenotypic:
		res := stats.GenotypicTest(cases, controls)
		out.ChiSquare, out.P, out.OddsRatio, out.OddsRatio2 = res.ChiSquare, res.P, res.OddsRatioHet, res.OddsRatioHomMinor
	case OpTrend:
		res := stats.TrendTest(cases, controls)
		out.ChiSquare, out.P = res.ChiSquare, res.P
	default:
		return out, fmt.Errorf("unsupported association test %q", kind)
	}
	return out, nil
}

// RunAssociation runs an association test on every census record
// that passes the Hardy-Weinberg filter. Results are in census
// order. If the filter excludes every marker, RunAssociation returns
// ErrNoDataLeft.
func RunAssociation(ctx context.Context, p AssociationParams) ([]AssociationRecord, error) {
	var hwP map[markers.Key]float64
	if p.HardyWeinberg != nil {
		hwP = make(map[markers.Key]float64, len(p.HardyWeinberg))
		for _, rec := range p.HardyWeinberg {
			hwP[rec.Key] = rec.Control.P
		}
	}
	excluded := 0
	out := make([]AssociationRecord, 0, len(p.Census))
	for i := range p.Census {
		if i%censusProgressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec := &p.Census[i]
		if pv, ok := hwP[rec.Key]; ok && pv < p.HWThreshold {
			excluded++
			continue
		}
		ar, err := associationTest(p.Kind, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	log.WithFields(log.Fields{
		"test":     p.Kind,
		"markers":  len(p.Census),
		"excluded": excluded,
	}).Info("association exclusions")
	if excluded == len(p.Census) {
		return nil, ErrNoDataLeft
	}
	return out, nil
}

// topHits returns the n records with the smallest p-values.
func topHits(recs []AssociationRecord, n int) []AssociationRecord {
	sorted := append([]AssociationRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].P < sorted[j].P
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

type associationCommand struct {
	kind OperationKind
	runFlags
}

func (cmd *associationCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *associationCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputFilename := flags.String("i", "", "input census operation `file`")
	hwFilename := flags.String("hardy-weinberg", "", "Hardy-Weinberg operation `file` for marker exclusion")
	hwThreshold := flags.Float64("hw-threshold", 0.0000005, "exclude markers with control Hardy-Weinberg p-value < `P`")
	top := flags.Int("top", 10, "log the `N` markers with the smallest p-values")
	outputFilename := flags.String("o", "", "output operation `file` (.gob.gz)")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputFilename == "" {
		return usageError{fmt.Errorf("missing required flag -i")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		runner := cmd.Runner(string(cmd.kind), 16000000000, 1)
		err = runner.TranslatePaths(inputFilename, hwFilename)
		if err != nil {
			return err
		}
		runner.Args = append([]string{string(cmd.kind)}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-i", *inputFilename,
			"-hardy-weinberg="+*hwFilename,
			"-hw-threshold="+strconv.FormatFloat(*hwThreshold, 'g', -1, 64),
			"-top="+strconv.Itoa(*top),
			"-o", "/mnt/output/"+string(cmd.kind)+".gob.gz")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+string(cmd.kind)+".gob.gz")
		return nil
	}
	if *outputFilename == "" {
		return usageError{fmt.Errorf("missing required flag -o")}
	}
	defer cmd.Start()()

	ctx := context.Background()
	cres, err := ReadOperation(*inputFilename)
	if err != nil {
		return err
	}
	if err := cres.expectKind(OpCensus); err != nil {
		return fmt.Errorf("%s: %w", *inputFilename, err)
	}
	params := AssociationParams{
		Kind:        cmd.kind,
		Census:      cres.Census,
		HWThreshold: *hwThreshold,
	}
	parent := cres.ID
	if *hwFilename != "" {
		hres, err := ReadOperation(*hwFilename)
		if err != nil {
			return err
		}
		if err := hres.expectKind(OpHardyWeinberg); err != nil {
			return fmt.Errorf("%s: %w", *hwFilename, err)
		}
		if hres.ParentOperation != cres.ID {
			log.Warnf("%s: Hardy-Weinberg operation %s was computed from census %s, not %s", *hwFilename, hres.ID, hres.ParentOperation, cres.ID)
		}
		params.HardyWeinberg = hres.HardyWeinberg
		parent = hres.ID
	}
	recs, err := RunAssociation(ctx, params)
	if err != nil {
		return err
	}
	for _, rec := range topHits(recs, *top) {
		log.WithFields(log.Fields{
			"marker":     rec.Key,
			"chromosome": rec.Chromosome,
			"position":   rec.Position,
			"chi2":       rec.ChiSquare,
		}).Infof("%s p=%g", cmd.kind, rec.P)
	}

	hdr := OperationHeader{
		ID:              newOperationID(),
		Kind:            cmd.kind,
		MatrixID:        cres.MatrixID,
		MatrixDir:       cres.MatrixDir,
		ParentOperation: parent,
		Description:     fmt.Sprintf("%s test of census %s, %d markers", cmd.kind, cres.ID, len(recs)),
		Params: map[string]string{
			"hardy-weinberg": *hwFilename,
			"hw-threshold":   strconv.FormatFloat(*hwThreshold, 'g', -1, 64),
		},
		Samples:     cres.Samples,
		MarkerTotal: cres.MarkerTotal,
	}
	return writeOperation(ctx, &cmd.runFlags, *outputFilename, hdr, []OperationEntry{{Association: recs}})
}
