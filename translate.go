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

	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type TransformParams struct {
	Matrix *MatrixReader
	Dir    string
	Name   string
	// Markers to flip. If nil, FlipStrand flips every marker on
	// the "-" strand. Not used by Translate.
	FlipMarkers map[markers.Key]bool
	ChunkSize   int
	Catalog     catalog
}

// markerTransform converts the genotypes of one marker, and returns
// the marker's new info.
type markerTransform func(mi MarkerInfo, col []genotype.Genotype) (MarkerInfo, error)

// transformMatrix writes a copy of p.Matrix with fn applied to each
// marker, in chunks of markers.
func transformMatrix(ctx context.Context, p TransformParams, meta MatrixMetadata, fn markerTransform) (*MatrixMetadata, error) {
	m := p.Matrix
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	// The writer keeps mks, so updates made by fn below are
	// written by Close.
	mks := make([]MarkerInfo, len(m.Markers))
	copy(mks, m.Markers)
	w, err := CreateMatrix(p.Dir, meta, mks, m.Samples)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(mks); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunkSize
		if end > len(mks) {
			end = len(mks)
		}
		cols, err := m.ReadMarkers(start, end)
		if err != nil {
			return nil, err
		}
		for i, col := range cols {
			idx := start + i
			mks[idx], err = fn(mks[idx], col)
			if err != nil {
				return nil, fmt.Errorf("marker %s: %w", mks[idx].Key, err)
			}
			for s, g := range col {
				w.Set(s, idx, g)
			}
		}
		debug.FreeOSMemory()
	}
	err = w.Close()
	if err != nil {
		return nil, err
	}
	out := w.Metadata()
	if p.Catalog != nil {
		err = p.Catalog.RegisterMatrix(ctx, out, p.Dir)
		if err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func derivedMetadata(m *MatrixReader, name, description string) MatrixMetadata {
	return MatrixMetadata{
		ID:              uuid.New().String(),
		StudyID:         m.Metadata.StudyID,
		Name:            name,
		Technology:      m.Metadata.Technology,
		Encoding:        m.Metadata.Encoding,
		HasDictionary:   m.Metadata.HasDictionary,
		ParentMatrixIDs: []string{m.Metadata.ID},
		Description:     description,
	}
}

// Translate writes an ACGT0 copy of an AB0, O12, or O1234 matrix,
// using each marker's allele dictionary where the encoding needs
// one.
func Translate(ctx context.Context, p TransformParams) (*MatrixMetadata, error) {
	m := p.Matrix
	from := m.Metadata.Encoding
	switch from {
	case genotype.O1234:
	case genotype.AB0, genotype.O12:
		if !m.Metadata.HasDictionary {
			return nil, fmt.Errorf("matrix %s: cannot translate %s genotypes without an allele dictionary", m.Metadata.ID, from)
		}
	default:
		return nil, fmt.Errorf("matrix %s: cannot translate from %s encoding", m.Metadata.ID, from)
	}
	meta := derivedMetadata(m, p.Name, fmt.Sprintf("translation of matrix %s (%s) from %s to %s", m.Metadata.ID, m.Metadata.Name, from, genotype.ACGT0))
	meta.Encoding = genotype.ACGT0
	return transformMatrix(ctx, p, meta, func(mi MarkerInfo, col []genotype.Genotype) (MarkerInfo, error) {
		t, err := genotype.NewTranslator(from, mi.Dictionary)
		if err != nil {
			return mi, err
		}
		for s, g := range col {
			col[s], err = t.Translate(g)
			if err != nil {
				return mi, err
			}
		}
		return mi, nil
	})
}

// FlipStrand writes a copy of a nucleotide-encoded matrix with the
// genotypes of the selected markers complemented, and their strand
// and dictionary flipped to match.
func FlipStrand(ctx context.Context, p TransformParams) (*MatrixMetadata, error) {
	m := p.Matrix
	if !m.Metadata.Encoding.Nucleotide() {
		return nil, fmt.Errorf("matrix %s: cannot flip strand of %s genotypes", m.Metadata.ID, m.Metadata.Encoding)
	}
	flip := p.FlipMarkers
	if flip == nil {
		flip = map[markers.Key]bool{}
		for _, mi := range m.Markers {
			if mi.Strand == "-" {
				flip[mi.Key] = true
			}
		}
	}
	meta := derivedMetadata(m, p.Name, fmt.Sprintf("strand flip of %d markers of matrix %s (%s)", len(flip), m.Metadata.ID, m.Metadata.Name))
	flipped := 0
	res, err := transformMatrix(ctx, p, meta, func(mi MarkerInfo, col []genotype.Genotype) (MarkerInfo, error) {
		if !flip[mi.Key] {
			return mi, nil
		}
		for s, g := range col {
			col[s] = genotype.Flip(g)
		}
		dict := []byte(mi.Dictionary)
		for i, b := range dict {
			dict[i] = genotype.Complement(b)
		}
		mi.Dictionary = string(dict)
		mi.Strand = genotype.FlipStrand(mi.Strand)
		flipped++
		return mi, nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("flipped %d markers", flipped)
	return res, nil
}

type translateCommand struct {
	runFlags
}

func (cmd *translateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *translateCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return runTransform(&cmd.runFlags, "translate", nil, prog, args, stdout, stderr)
}

type flipStrandCommand struct {
	runFlags
}

func (cmd *flipStrandCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *flipStrandCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var markersFilename string
	addFlags := func(flags *flag.FlagSet) {
		flags.StringVar(&markersFilename, "markers", "", "flip markers listed in `file` (default: markers on the - strand)")
	}
	return runTransform(&cmd.runFlags, "flip-strand", addFlags, prog, args, stdout, stderr, &markersFilename)
}

// runTransform implements the translate and flip-strand commands.
// addFlags, if not nil, adds command-specific flags; extraPaths are
// the input file flags they define.
func runTransform(rf *runFlags, name string, addFlags func(*flag.FlagSet), prog string, args []string, stdout, stderr io.Writer, extraPaths ...*string) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	rf.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	matrixName := flags.String("name", "", "output matrix `name`")
	outputDir := flags.String("o", "", "output matrix `directory`")
	if addFlags != nil {
		addFlags(flags)
	}
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputDir == "" {
		return usageError{errors.New("missing required flag -i")}
	}
	if err := rf.Resolve(flags); err != nil {
		return err
	}

	if !rf.local {
		runner := rf.Runner(name, 32000000000, 1)
		err = runner.TranslatePaths(append([]*string{inputDir}, extraPaths...)...)
		if err != nil {
			return err
		}
		runner.Args = append([]string{name}, rf.Args()...)
		runner.Args = append(runner.Args, "-i", *inputDir, "-name="+*matrixName, "-o", "/mnt/output/matrix")
		if name == "flip-strand" {
			runner.Args = append(runner.Args, "-markers="+*extraPaths[0])
		}
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
	defer rf.Start()()

	ctx := context.Background()
	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)
	cat, err := rf.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, rf.Catalog)
	if *matrixName == "" {
		*matrixName = m.Metadata.Name + " (" + name + ")"
	}
	p := TransformParams{
		Matrix:    m,
		Dir:       *outputDir,
		Name:      *matrixName,
		ChunkSize: rf.chunkSize(),
		Catalog:   cat,
	}
	var meta *MatrixMetadata
	if name == "translate" {
		meta, err = Translate(ctx, p)
	} else {
		if fnm := *extraPaths[0]; fnm != "" {
			tokens, err := loadCriteria(fnm)
			if err != nil {
				return err
			}
			p.FlipMarkers = map[markers.Key]bool{}
			for _, t := range tokens {
				p.FlipMarkers[markers.Key(t)] = true
			}
		}
		meta, err = FlipStrand(ctx, p)
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"matrix":   meta.ID,
		"encoding": meta.Encoding,
	}).Infof("wrote %s", *outputDir)
	return nil
}
