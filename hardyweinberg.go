// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/stats"
	log "github.com/sirupsen/logrus"
)

func hwTable(t census.Table, exact bool) HWTable {
	hw := stats.HardyWeinbergTest(t.HomMajor, t.Het, t.HomMinor)
	out := HWTable{
		ObservedHet: hw.ObservedHet,
		ExpectedHet: hw.ExpectedHet,
		ChiSquare:   hw.ChiSquare,
		P:           hw.P,
	}
	if exact {
		out.ExactP = stats.HardyWeinbergExact(
			int64(math.Round(t.HomMajor)),
			int64(math.Round(t.Het)),
			int64(math.Round(t.HomMinor)))
	}
	return out
}

// RunHardyWeinberg tests each census record's control table and
// alternate (autosomally counted controls) table for Hardy-Weinberg
// equilibrium.
func RunHardyWeinberg(ctx context.Context, recs []CensusMarker, exact bool) ([]HWRecord, error) {
	out := make([]HWRecord, 0, len(recs))
	for i, rec := range recs {
		if i%censusProgressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out = append(out, HWRecord{
			Index:   rec.Index,
			Key:     rec.Key,
			Control: hwTable(rec.Table(census.ControlOnly), exact),
			HWAlt:   hwTable(rec.Table(census.HWAlt), exact),
		})
	}
	return out, nil
}

type hardyWeinbergCommand struct {
	runFlags
}

func (cmd *hardyWeinbergCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *hardyWeinbergCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputFilename := flags.String("i", "", "input census operation `file`")
	exact := flags.Bool("exact", false, "also compute exact test p-values")
	threshold := flags.Float64("report-threshold", 0.05, "log the number of markers with control p-value < `P`")
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
		runner := cmd.Runner("hardy-weinberg", 16000000000, 1)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"hardy-weinberg"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-i", *inputFilename,
			"-exact="+strconv.FormatBool(*exact),
			"-report-threshold="+strconv.FormatFloat(*threshold, 'g', -1, 64),
			"-o", "/mnt/output/hardy-weinberg.gob.gz")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/hardy-weinberg.gob.gz")
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
	recs, err := RunHardyWeinberg(ctx, cres.Census, *exact)
	if err != nil {
		return err
	}
	rejected := 0
	for _, rec := range recs {
		if rec.Control.P < *threshold {
			rejected++
		}
	}
	log.WithFields(log.Fields{
		"markers":   len(recs),
		"rejected":  rejected,
		"threshold": *threshold,
	}).Info("hardy-weinberg")

	hdr := OperationHeader{
		ID:              newOperationID(),
		Kind:            OpHardyWeinberg,
		MatrixID:        cres.MatrixID,
		MatrixDir:       cres.MatrixDir,
		ParentOperation: cres.ID,
		Description:     fmt.Sprintf("Hardy-Weinberg test of census %s", cres.ID),
		Params:          map[string]string{"exact": strconv.FormatBool(*exact)},
		Samples:         cres.Samples,
		MarkerTotal:     cres.MarkerTotal,
	}
	return writeOperation(ctx, &cmd.runFlags, *outputFilename, hdr, []OperationEntry{{HardyWeinberg: recs}})
}
