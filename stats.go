// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
)

type MatrixStatsReport struct {
	Metadata    MatrixMetadata
	Encoding    string
	Chromosomes []markers.ChromosomeInfo
	Samples     struct {
		Male, Female, UnknownSex        int
		Case, Control, UnknownAffection int
	}
	// Genotype call counts over the whole matrix.
	Called      int64
	Missing     int64
	HalfMissing int64
	// MarkersByAlleleCount[n] is the number of markers with n
	// distinct non-missing alleles (3 means 3 or more).
	MarkersByAlleleCount [4]int
	ChecksumOK           bool
}

// MatrixStats summarizes a stored matrix, reading its genotypes in
// chunks of markers, several chunks at a time.
func MatrixStats(ctx context.Context, m *MatrixReader, chunkSize int) (*MatrixStatsReport, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	ret := &MatrixStatsReport{
		Metadata:    m.Metadata,
		Encoding:    m.Metadata.Encoding.String(),
		Chromosomes: m.Chromosomes,
	}
	for _, si := range m.Samples {
		switch si.Sex {
		case census.Male:
			ret.Samples.Male++
		case census.Female:
			ret.Samples.Female++
		default:
			ret.Samples.UnknownSex++
		}
		switch si.Affection {
		case census.Case:
			ret.Samples.Case++
		case census.Control:
			ret.Samples.Control++
		default:
			ret.Samples.UnknownAffection++
		}
	}
	var mtx sync.Mutex
	thr := throttle{Max: runtime.GOMAXPROCS(0)}
	for start := 0; start < len(m.Markers); start += chunkSize {
		start, end := start, start+chunkSize
		if end > len(m.Markers) {
			end = len(m.Markers)
		}
		thr.Go(ctx, func() error {
			cols, err := m.ReadMarkers(start, end)
			if err != nil {
				return err
			}
			var called, missing, halfMissing int64
			var byAlleles [4]int
			for _, col := range cols {
				for _, g := range col {
					switch {
					case g.IsMissing():
						missing++
					case g.IsHalfMissing():
						halfMissing++
					default:
						called++
					}
				}
				n := genotype.CountAlleles(col, 2)
				if n > 3 {
					n = 3
				}
				byAlleles[n]++
			}
			mtx.Lock()
			defer mtx.Unlock()
			ret.Called += called
			ret.Missing += missing
			ret.HalfMissing += halfMissing
			for i, n := range byAlleles {
				ret.MarkersByAlleleCount[i] += n
			}
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	sum, err := matrixChecksum(m.Dir)
	if err != nil {
		return nil, err
	}
	ret.ChecksumOK = sum == m.Metadata.Checksum
	return ret, nil
}

type matrixStats struct {
	runFlags
}

func (cmd *matrixStats) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *matrixStats) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	outputFilename := flags.String("o", "-", "output `file`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputDir == "" {
		return usageError{errors.New("missing required flag -i")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		if *outputFilename != "-" {
			return errors.New("cannot specify output file in container mode: not implemented")
		}
		runner := cmd.Runner("matrix-stats", 16000000000, 1)
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"matrix-stats"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args, "-i", *inputDir, "-o", "/mnt/output/stats.json")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return nil
	}
	defer cmd.Start()()

	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)
	ret, err := MatrixStats(context.Background(), m, cmd.chunkSize())
	if err != nil {
		return err
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	enc := json.NewEncoder(bufw)
	enc.SetIndent("", "  ")
	err = enc.Encode(ret)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
