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
	"path/filepath"
	"sort"

	"github.com/arvados/gwaspi/census"
	log "github.com/sirupsen/logrus"
)

// dumpMatrix writes one line per marker (key, chromosome, position,
// then one genotype per sample), skipping markers outside regions
// if regions is not nil.
func dumpMatrix(ctx context.Context, w io.Writer, m *MatrixReader, regions *mask, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	bufw := bufio.NewWriterSize(w, 1<<20)
	fmt.Fprint(bufw, "marker\tchromosome\tposition")
	for _, si := range m.Samples {
		fmt.Fprintf(bufw, "\t%s", si.Key)
	}
	fmt.Fprintln(bufw)
	for start := 0; start < len(m.Markers); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(m.Markers) {
			end = len(m.Markers)
		}
		cols, err := m.ReadMarkers(start, end)
		if err != nil {
			return err
		}
		for i, col := range cols {
			mi := m.Markers[start+i]
			if regions != nil && !regions.Check(mi.Chromosome, mi.Position, mi.Position) {
				continue
			}
			fmt.Fprintf(bufw, "%s\t%s\t%d", mi.Key, mi.Chromosome, mi.Position)
			for _, g := range col {
				fmt.Fprintf(bufw, "\t%s", g)
			}
			fmt.Fprintln(bufw)
		}
	}
	return bufw.Flush()
}

func fmtTable(t census.Table) string {
	return fmt.Sprintf("%g/%g/%g/%d", t.HomMajor, t.Het, t.HomMinor, t.Missing)
}

// dumpOperation writes an operation's header as "# " comment lines
// followed by its records as tab-separated text.
func dumpOperation(w io.Writer, res *OperationResult) error {
	bufw := bufio.NewWriterSize(w, 1<<20)
	fmt.Fprintf(bufw, "# id: %s\n# kind: %s\n# matrix: %s\n", res.ID, res.Kind, res.MatrixID)
	if res.ParentOperation != "" {
		fmt.Fprintf(bufw, "# parent: %s\n", res.ParentOperation)
	}
	fmt.Fprintf(bufw, "# created: %s\n# description: %s\n# samples: %d\n# markers: %d\n", res.Created, res.Description, len(res.Samples), res.MarkerTotal)
	params := make([]string, 0, len(res.Params))
	for k := range res.Params {
		params = append(params, k)
	}
	sort.Strings(params)
	for _, k := range params {
		fmt.Fprintf(bufw, "# %s=%s\n", k, res.Params[k])
	}
	switch res.Kind {
	case OpSampleQA:
		fmt.Fprintln(bufw, "sample\tmissing_ratio\thet_ratio\tmissing\thet\tcalled")
		for _, r := range res.SampleQA {
			fmt.Fprintf(bufw, "%s\t%g\t%g\t%d\t%d\t%d\n", r.Key, r.MissingRatio, r.HetRatio, r.MissingCount, r.HetCount, r.CalledCount)
		}
	case OpMarkerQA:
		fmt.Fprintln(bufw, "index\tmarker\tchromosome\tmissing_ratio\tmismatch\tmajor\tminor\tmajor_freq")
		for _, r := range res.MarkerQA {
			fmt.Fprintf(bufw, "%d\t%s\t%s\t%g\t%v\t%c\t%c\t%g\n", r.Index, r.Key, r.Chromosome, r.MissingRatio, r.Mismatch, r.Major, r.Minor, r.MajorFreq)
		}
	case OpCensus:
		fmt.Fprintln(bufw, "index\tmarker\tchromosome\tposition\tmismatch\tmajor\tminor\tall\tcase\tcontrol\thw_alt")
		for _, r := range res.Census {
			fmt.Fprintf(bufw, "%d\t%s\t%s\t%d\t%v\t%c\t%c\t%s\t%s\t%s\t%s\n", r.Index, r.Key, r.Chromosome, r.Position, r.Mismatch, r.Major, r.Minor,
				fmtTable(r.Table(census.All)), fmtTable(r.Table(census.CaseOnly)), fmtTable(r.Table(census.ControlOnly)), fmtTable(r.Table(census.HWAlt)))
		}
	case OpHardyWeinberg:
		fmt.Fprintln(bufw, "index\tmarker\tcontrol_obs_het\tcontrol_exp_het\tcontrol_chi2\tcontrol_p\tcontrol_exact_p\talt_obs_het\talt_exp_het\talt_chi2\talt_p\talt_exact_p")
		for _, r := range res.HardyWeinberg {
			fmt.Fprintf(bufw, "%d\t%s", r.Index, r.Key)
			for _, t := range []HWTable{r.Control, r.HWAlt} {
				fmt.Fprintf(bufw, "\t%g\t%g\t%g\t%g\t%g", t.ObservedHet, t.ExpectedHet, t.ChiSquare, t.P, t.ExactP)
			}
			fmt.Fprintln(bufw)
		}
	case OpAllelic, OpGenotypic, OpTrend:
		fmt.Fprintln(bufw, "index\tmarker\tchromosome\tposition\tmajor\tminor\tchi2\tp\tor\tor2\tfisher_p")
		for _, r := range res.Association {
			fmt.Fprintf(bufw, "%d\t%s\t%s\t%d\t%c\t%c\t%g\t%g\t%g\t%g\t%g\n", r.Index, r.Key, r.Chromosome, r.Position, r.Major, r.Minor, r.ChiSquare, r.P, r.OddsRatio, r.OddsRatio2, r.FisherP)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", res.Kind)
	}
	return bufw.Flush()
}

type catalogDump struct {
	Matrix     *CatalogMatrix
	Operations []CatalogOperation
}

type dumpCommand struct {
	runFlags
}

func (cmd *dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *dumpCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	input := flags.String("i", "", "input matrix `directory` or operation file")
	matrixID := flags.String("matrix-id", "", "dump the catalog entries of matrix `id` (requires -catalog)")
	regionsFilename := flags.String("regions", "", "only output markers inside regions in bed `file`")
	expandRegions := flags.Int("expand-regions", 0, "expand specified regions by `N` base pairs on each side")
	outputFilename := flags.String("o", "-", "output `file`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if (*input == "") == (*matrixID == "") {
		return usageError{errors.New("exactly one of -i or -matrix-id is required")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}
	// dump always runs locally.

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

	ctx := context.Background()
	switch {
	case *matrixID != "":
		if cmd.Catalog == "" {
			return usageError{errors.New("-matrix-id requires -catalog")}
		}
		cat, err := cmd.OpenCatalog()
		if err != nil {
			return err
		}
		defer closeLogged(cat, cmd.Catalog)
		var d catalogDump
		d.Matrix, err = cat.Matrix(ctx, *matrixID)
		if err != nil {
			return err
		}
		d.Operations, err = cat.Operations(ctx, *matrixID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(output)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	case isMatrixDir(*input):
		var regions *mask
		if *regionsFilename != "" {
			regions, err = loadRegions(*regionsFilename, *expandRegions)
			if err != nil {
				return err
			}
			log.Infof("loaded %d regions", regions.Len())
		}
		m, err := OpenMatrix(*input)
		if err != nil {
			return err
		}
		defer closeLogged(m, *input)
		if err := dumpMatrix(ctx, output, m, regions, cmd.chunkSize()); err != nil {
			return err
		}
	default:
		res, err := ReadOperation(*input)
		if err != nil {
			return err
		}
		if err := dumpOperation(output, res); err != nil {
			return err
		}
	}
	return output.Close()
}

func isMatrixDir(path string) bool {
	_, err := os.Stat(filepath.Join(path, matrixHeaderFile))
	return err == nil
}
