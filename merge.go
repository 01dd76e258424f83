// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"

	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type MergeMethod int

const (
	// MergeMingleMarkers combines the marker sets of two matrices
	// with identical sample sets.
	MergeMingleMarkers MergeMethod = iota
	// MergeAppendSamples keeps the markers of the first matrix
	// and appends the samples of the second.
	MergeAppendSamples
	// MergeFull combines both the marker sets and the sample sets.
	MergeFull
)

var mergeMethodNames = []string{"mingle-markers", "append-samples", "full"}

func (m MergeMethod) String() string {
	if m < 0 || int(m) >= len(mergeMethodNames) {
		return fmt.Sprintf("MergeMethod(%d)", int(m))
	}
	return mergeMethodNames[m]
}

func ParseMergeMethod(s string) (MergeMethod, error) {
	for i, name := range mergeMethodNames {
		if s == name {
			return MergeMethod(i), nil
		}
	}
	return 0, fmt.Errorf("unknown merge method %q (expected one of %v)", s, mergeMethodNames)
}

// Default ratio above which a merge result is reported as having
// too many mismatched markers.
const defaultMismatchThreshold = 0.01

type MergeParams struct {
	Method MergeMethod
	// Genotypes from B win over A wherever both have a value.
	A, B *MatrixReader
	// Output directory and matrix name.
	Dir  string
	Name string
	// MismatchRatioByMarkers divides the number of mismatched
	// markers by the number of markers instead of the number of
	// samples.
	MismatchRatioByMarkers bool
	MismatchThreshold      float64
	ChunkSize              int
	// Catalog, if not nil, receives the new matrix as soon as it
	// is written, and any description update that follows.
	Catalog catalog
}

type MergeResult struct {
	Metadata MatrixMetadata
	// Markers with more than two alleles in the merged matrix.
	// Only checked for nucleotide encodings.
	Mismatched    int
	MismatchRatio float64
	// MismatchWarning is true if MismatchRatio exceeded the
	// threshold, in which case a note was appended to the
	// description.
	MismatchWarning bool
}

// samplePlacement records where a merged sample's genotypes come
// from.
type samplePlacement struct {
	source    int // 1 or 2
	sourceRow int
	destRow   int
	// alsoA is the sample's row in matrix 1, or -1, for merges
	// that fill genotypes missing from matrix 2 with matrix 1
	// values.
	alsoA int
}

// mergeMarkers returns the sorted union of both marker sets. Where a
// marker appears in both, its metadata comes from b.
func mergeMarkers(a, b []MarkerInfo) []MarkerInfo {
	infos := make(map[markers.Key]MarkerInfo, len(a)+len(b))
	pa := make([]markers.Position, len(a))
	for i, mi := range a {
		pa[i] = mi.position()
		infos[mi.Key] = mi
	}
	pb := make([]markers.Position, len(b))
	for i, mi := range b {
		pb[i] = mi.position()
		infos[mi.Key] = mi
	}
	sorted := markers.MingleAndSort(pa, pb)
	out := make([]MarkerInfo, len(sorted))
	for i, p := range sorted {
		out[i] = infos[p.Key]
	}
	return out
}

// combineSamples returns the union of both sample sets, in order of
// first appearance, and the placement of each. A sample that appears
// in both takes its info and genotypes from b.
func combineSamples(a, b []SampleInfo) ([]SampleInfo, []samplePlacement) {
	out := make([]SampleInfo, 0, len(a)+len(b))
	placements := make([]samplePlacement, 0, len(a)+len(b))
	row := make(map[SampleKey]int, len(a)+len(b))
	for i, si := range a {
		row[si.Key] = len(out)
		out = append(out, si)
		placements = append(placements, samplePlacement{source: 1, sourceRow: i, destRow: len(placements), alsoA: -1})
	}
	for i, si := range b {
		if dest, ok := row[si.Key]; ok {
			out[dest] = si
			placements[dest] = samplePlacement{source: 2, sourceRow: i, destRow: dest, alsoA: placements[dest].sourceRow}
			continue
		}
		row[si.Key] = len(out)
		out = append(out, si)
		placements = append(placements, samplePlacement{source: 2, sourceRow: i, destRow: len(placements), alsoA: -1})
	}
	return out, placements
}

func sameSampleSet(a, b []SampleInfo) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[SampleKey]bool, len(a))
	for _, si := range a {
		keys[si.Key] = true
	}
	for _, si := range b {
		if !keys[si.Key] {
			return false
		}
	}
	return true
}

func reconcileTechnology(a, b string) string {
	if a == b {
		return a
	}
	return "UNKNOWN"
}

// mergeRow copies one source row into dest, placing each source
// marker at its position in the merged marker set. Markers absent
// from the merged set are skipped.
func mergeRow(dest []genotype.Genotype, src []genotype.Genotype, srcMarkers []MarkerInfo, destIndex map[markers.Key]int) {
	for i, g := range src {
		if j, ok := destIndex[srcMarkers[i].Key]; ok {
			dest[j] = g
		}
	}
}

// Merge writes a new matrix combining p.A and p.B, then checks the
// result for markers with more than two alleles.
func Merge(ctx context.Context, p MergeParams) (*MergeResult, error) {
	a, b := p.A, p.B
	var mks []MarkerInfo
	var samples []SampleInfo
	var placements []samplePlacement
	switch p.Method {
	case MergeMingleMarkers:
		if !sameSampleSet(a.Samples, b.Samples) {
			return nil, fmt.Errorf("cannot mingle markers: matrix %s and matrix %s have different sample sets", a.Metadata.ID, b.Metadata.ID)
		}
		mks = mergeMarkers(a.Markers, b.Markers)
		samples, placements = combineSamples(a.Samples, b.Samples)
	case MergeAppendSamples:
		mks = a.Markers
		samples, placements = combineSamples(a.Samples, b.Samples)
		for i := range placements {
			placements[i].alsoA = -1
		}
	case MergeFull:
		mks = mergeMarkers(a.Markers, b.Markers)
		samples, placements = combineSamples(a.Samples, b.Samples)
	default:
		return nil, fmt.Errorf("unsupported merge method %v", p.Method)
	}

	meta := MatrixMetadata{
		ID:              uuid.New().String(),
		StudyID:         a.Metadata.StudyID,
		Name:            p.Name,
		Technology:      reconcileTechnology(a.Metadata.Technology, b.Metadata.Technology),
		Encoding:        genotype.Reconcile(a.Metadata.Encoding, b.Metadata.Encoding),
		HasDictionary:   a.Metadata.HasDictionary && b.Metadata.HasDictionary,
		ParentMatrixIDs: []string{a.Metadata.ID, b.Metadata.ID},
		Description: fmt.Sprintf("merge (%s) of matrix %s (%s) and matrix %s (%s)",
			p.Method, a.Metadata.ID, a.Metadata.Name, b.Metadata.ID, b.Metadata.Name),
	}
	log.WithFields(log.Fields{
		"method":  p.Method,
		"samples": len(samples),
		"markers": len(mks),
	}).Info("merging")

	w, err := CreateMatrix(p.Dir, meta, mks, samples)
	if err != nil {
		return nil, err
	}
	destIndex := make(map[markers.Key]int, len(mks))
	for i, mi := range mks {
		destIndex[mi.Key] = i
	}
	row := make([]genotype.Genotype, len(mks))
	for _, pl := range placements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range row {
			row[i] = genotype.MissingGenotype
		}
		if pl.alsoA >= 0 {
			src, err := a.ReadSample(pl.alsoA)
			if err != nil {
				return nil, err
			}
			mergeRow(row, src, a.Markers, destIndex)
		}
		srcm := a
		if pl.source == 2 {
			srcm = b
		}
		src, err := srcm.ReadSample(pl.sourceRow)
		if err != nil {
			return nil, err
		}
		mergeRow(row, src, srcm.Markers, destIndex)
		err = w.SetSample(pl.destRow, row)
		if err != nil {
			return nil, err
		}
	}
	err = w.Close()
	if err != nil {
		return nil, err
	}
	res := &MergeResult{Metadata: w.Metadata()}
	debug.FreeOSMemory()
	cat := p.Catalog
	if cat == nil {
		cat = nopCatalog{}
	}
	err = cat.RegisterMatrix(ctx, res.Metadata, p.Dir)
	if err != nil {
		return nil, err
	}

	if !res.Metadata.Encoding.Nucleotide() {
		return res, nil
	}
	m, err := OpenMatrix(p.Dir)
	if err != nil {
		return nil, err
	}
	defer closeLogged(m, p.Dir)
	res.Metadata = m.Metadata
	res.Mismatched, err = countMismatches(ctx, m, p.ChunkSize)
	if err != nil {
		return nil, err
	}
	denom := len(m.Samples)
	if p.MismatchRatioByMarkers {
		denom = len(m.Markers)
	}
	if denom > 0 {
		res.MismatchRatio = float64(res.Mismatched) / float64(denom)
	}
	threshold := p.MismatchThreshold
	if threshold <= 0 {
		threshold = defaultMismatchThreshold
	}
	if res.MismatchRatio > threshold {
		res.MismatchWarning = true
		log.Warnf("merged matrix %s: %d mismatched markers (ratio %g > %g); check strand and encoding of the parent matrices", res.Metadata.ID, res.Mismatched, res.MismatchRatio, threshold)
		res.Metadata.Description += fmt.Sprintf("\nWARNING: %d markers have more than two alleles (mismatch ratio %g)", res.Mismatched, res.MismatchRatio)
		err = UpdateMatrixDescription(p.Dir, res.Metadata.Description)
		if err != nil {
			return nil, err
		}
		err = cat.UpdateMatrixDescription(ctx, res.Metadata.ID, res.Metadata.Description)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// countMismatches returns the number of markers in m with more than
// two distinct non-missing alleles.
func countMismatches(ctx context.Context, m *MatrixReader, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	n := 0
	for start := 0; start < len(m.Markers); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := start + chunkSize
		if end > len(m.Markers) {
			end = len(m.Markers)
		}
		cols, err := m.ReadMarkers(start, end)
		if err != nil {
			return 0, err
		}
		for _, col := range cols {
			if genotype.CountAlleles(col, 2) > 2 {
				n++
			}
		}
	}
	return n, nil
}

type mergeCommand struct {
	runFlags
}

func (cmd *mergeCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *mergeCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputA := flags.String("a", "", "first input matrix `directory`")
	inputB := flags.String("b", "", "second input matrix `directory` (wins on conflicts)")
	method := flags.String("method", "full", "merge `method`: mingle-markers, append-samples, or full")
	name := flags.String("name", "", "output matrix `name`")
	byMarkers := flags.Bool("mismatch-ratio-by-markers", false, "compute the post-merge mismatch ratio per marker instead of per sample")
	mismatchThreshold := flags.Float64("mismatch-threshold", defaultMismatchThreshold, "warn if the post-merge mismatch ratio exceeds `R`")
	outputDir := flags.String("o", "", "output matrix `directory`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputA == "" || *inputB == "" {
		return usageError{errors.New("missing required flag -a or -b")}
	}
	mergeMethod, err := ParseMergeMethod(*method)
	if err != nil {
		return usageError{err}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		runner := cmd.Runner("merge", 64000000000, 2)
		err = runner.TranslatePaths(inputA, inputB)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"merge"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-a", *inputA,
			"-b", *inputB,
			"-method="+*method,
			"-name="+*name,
			"-mismatch-ratio-by-markers="+strconv.FormatBool(*byMarkers),
			"-mismatch-threshold="+strconv.FormatFloat(*mismatchThreshold, 'g', -1, 64),
			"-o", "/mnt/output/matrix")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/matrix")
		return nil
	}
	if *outputDir == "" {
		return usageError{errors.New("missing required flag -o")}
	}
	defer cmd.Start()()

	ctx := context.Background()
	a, err := OpenMatrix(*inputA)
	if err != nil {
		return err
	}
	defer closeLogged(a, *inputA)
	b, err := OpenMatrix(*inputB)
	if err != nil {
		return err
	}
	defer closeLogged(b, *inputB)

	if *name == "" {
		*name = a.Metadata.Name + "+" + b.Metadata.Name
	}
	cat, err := cmd.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, cmd.Catalog)
	res, err := Merge(ctx, MergeParams{
		Method:                 mergeMethod,
		A:                      a,
		B:                      b,
		Dir:                    *outputDir,
		Name:                   *name,
		MismatchRatioByMarkers: *byMarkers,
		MismatchThreshold:      *mismatchThreshold,
		ChunkSize:              cmd.chunkSize(),
		Catalog:                cat,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"matrix":     res.Metadata.ID,
		"samples":    res.Metadata.SampleCount,
		"markers":    res.Metadata.MarkerCount,
		"mismatched": res.Mismatched,
	}).Infof("wrote %s", *outputDir)
	return nil
}
