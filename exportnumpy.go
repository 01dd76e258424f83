// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// dosage returns the number of copies of minor in g, or -1 if g is
// not fully called.
func dosage(g genotype.Genotype, minor byte) int8 {
	if g[0] == genotype.Missing || g[1] == genotype.Missing {
		return -1
	}
	var n int8
	for _, b := range g {
		if b == minor {
			n++
		}
	}
	return n
}

// DosageMatrix returns a row-major (samples x markers) matrix of
// minor allele counts, with -1 for missing calls and for every call
// at a marker with more than two alleles. It also returns the
// census record (over all samples) used to choose each marker's
// minor allele.
func DosageMatrix(ctx context.Context, m *MatrixReader, chunkSize int) ([]int8, []census.Record, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	nmarkers := len(m.Markers)
	out := make([]int8, len(m.Samples)*nmarkers)
	recs := make([]census.Record, nmarkers)
	for start := 0; start < nmarkers; start += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := start + chunkSize
		if end > nmarkers {
			end = nmarkers
		}
		cols, err := m.ReadMarkers(start, end)
		if err != nil {
			return nil, nil, err
		}
		for i, col := range cols {
			idx := start + i
			var acc census.Accumulator
			for _, g := range col {
				acc.Add(g, census.AffectionUnknown, census.CountAutosomally)
			}
			rec := acc.Result()
			recs[idx] = rec
			for s, g := range col {
				d := int8(-1)
				if !rec.Mismatch {
					d = dosage(g, rec.Minor)
					if rec.Major == rec.Minor && d > 0 {
						// Monomorphic: no minor allele.
						d = 0
					}
				}
				out[s*nmarkers+idx] = d
			}
		}
	}
	return out, recs, nil
}

func writeDosageAnnotations(w io.Writer, m *MatrixReader, recs []census.Record) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "index,marker,chromosome,position,major,minor,mismatch")
	for i, mi := range m.Markers {
		rec := recs[i]
		fmt.Fprintf(bufw, "%d,%s,%s,%d,%c,%c,%v\n", i, mi.Key, mi.Chromosome, mi.Position, rec.Major, rec.Minor, rec.Mismatch)
	}
	return bufw.Flush()
}

func writeDosageSamples(w io.Writer, m *MatrixReader) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "index,family,sample,sex,affection")
	for i, si := range m.Samples {
		fmt.Fprintf(bufw, "%d,%s,%s,%d,%d\n", i, si.Key.FamilyID, si.Key.SampleID, si.Sex, si.Affection)
	}
	return bufw.Flush()
}

type exportNumpy struct {
	runFlags
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *exportNumpy) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
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
		runner := cmd.Runner("export-numpy", 64000000000, 1)
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"export-numpy"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args, "-i", *inputDir, "-output-dir", "/mnt/output")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/dosage.npy")
		return nil
	}
	defer cmd.Start()()

	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)
	data, recs, err := DosageMatrix(context.Background(), m, cmd.chunkSize())
	if err != nil {
		return err
	}
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}

	fnm := filepath.Join(*outputDir, "dosage.npy")
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(m.Samples), len(m.Markers)}
	err = npw.WriteInt8(data)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s (%d samples x %d markers)", fnm, len(m.Samples), len(m.Markers))

	for _, annot := range []struct {
		fnm   string
		write func(io.Writer) error
	}{
		{"markers.csv", func(w io.Writer) error { return writeDosageAnnotations(w, m, recs) }},
		{"samples.csv", func(w io.Writer) error { return writeDosageSamples(w, m) }},
	} {
		fnm := filepath.Join(*outputDir, annot.fnm)
		f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		err = annot.write(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", fnm, err)
		}
		err = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
