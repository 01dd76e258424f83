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
	"strconv"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MarkerCriteria selects markers. A marker is picked if it matches
// every non-empty criterion; Exclude inverts the selection.
type MarkerCriteria struct {
	Keys        map[markers.Key]bool
	RSIDs       map[string]bool
	Chromosomes map[string]bool
	Regions     *mask
	Exclude     bool
}

func (mc *MarkerCriteria) match(mi MarkerInfo) bool {
	ok := (mc.Keys == nil || mc.Keys[mi.Key]) &&
		(mc.RSIDs == nil || mc.RSIDs[mi.RSID]) &&
		(mc.Chromosomes == nil || mc.Chromosomes[mi.Chromosome]) &&
		(mc.Regions == nil || mc.Regions.Check(mi.Chromosome, mi.Position, mi.Position))
	return ok != mc.Exclude
}

// SampleCriteria selects samples. A sample is picked if it matches
// every non-empty criterion; Exclude inverts the selection. IDs
// match either the sample ID or the "family/sample" form.
type SampleCriteria struct {
	IDs        map[string]bool
	Affections map[census.Affection]bool
	Sexes      map[census.Sex]bool
	Exclude    bool
}

func (sc *SampleCriteria) match(si SampleInfo) bool {
	ok := (sc.IDs == nil || sc.IDs[si.Key.SampleID] || sc.IDs[si.Key.String()]) &&
		(sc.Affections == nil || sc.Affections[si.Affection]) &&
		(sc.Sexes == nil || sc.Sexes[si.Sex])
	return ok != sc.Exclude
}

type ExtractParams struct {
	Matrix  *MatrixReader
	Dir     string
	Name    string
	Markers MarkerCriteria
	Samples SampleCriteria
	// Phenotypes, if not nil, override sex and affection before
	// samples are selected, and in the new matrix.
	Phenotypes phenotypes
	Catalog    catalog
}

// Extract writes a new matrix containing the selected markers and
// samples of p.Matrix. It returns ErrNoDataLeft if the criteria
// select no markers or no samples.
func Extract(ctx context.Context, p ExtractParams) (*MatrixMetadata, error) {
	m := p.Matrix
	var markerIdx []int
	var mks []MarkerInfo
	for i, mi := range m.Markers {
		if p.Markers.match(mi) {
			markerIdx = append(markerIdx, i)
			mks = append(mks, mi)
		}
	}
	samples := m.Samples
	if p.Phenotypes != nil {
		samples = p.Phenotypes.Apply(samples)
	}
	var sampleIdx []int
	var picked []SampleInfo
	for i, si := range samples {
		if p.Samples.match(si) {
			sampleIdx = append(sampleIdx, i)
			picked = append(picked, si)
		}
	}
	log.WithFields(log.Fields{
		"markers": len(mks),
		"samples": len(picked),
	}).Infof("extracting from matrix %s", m.Metadata.ID)
	if len(mks) == 0 || len(picked) == 0 {
		return nil, ErrNoDataLeft
	}

	meta := MatrixMetadata{
		ID:              uuid.New().String(),
		StudyID:         m.Metadata.StudyID,
		Name:            p.Name,
		Technology:      m.Metadata.Technology,
		Encoding:        m.Metadata.Encoding,
		HasDictionary:   m.Metadata.HasDictionary,
		ParentMatrixIDs: []string{m.Metadata.ID},
		Description: fmt.Sprintf("extract of matrix %s (%s): %d of %d markers, %d of %d samples",
			m.Metadata.ID, m.Metadata.Name, len(mks), len(m.Markers), len(picked), len(m.Samples)),
	}
	w, err := CreateMatrix(p.Dir, meta, mks, picked)
	if err != nil {
		return nil, err
	}
	row := make([]genotype.Genotype, len(mks))
	for dest, src := range sampleIdx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gs, err := m.ReadSample(src)
		if err != nil {
			return nil, err
		}
		for j, idx := range markerIdx {
			row[j] = gs[idx]
		}
		err = w.SetSample(dest, row)
		if err != nil {
			return nil, err
		}
	}
	err = w.Close()
	if err != nil {
		return nil, err
	}
	meta = w.Metadata()
	if p.Catalog != nil {
		err = p.Catalog.RegisterMatrix(ctx, meta, p.Dir)
		if err != nil {
			return nil, err
		}
	}
	return &meta, nil
}

// splitList splits a comma-separated flag value, dropping empty
// items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

type extractCommand struct {
	runFlags
}

func (cmd *extractCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *extractCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	markersFilename := flags.String("markers", "", "pick markers whose ID is listed in `file`")
	rsidsFilename := flags.String("rsids", "", "pick markers whose RSID is listed in `file`")
	chromosomes := flags.String("chromosomes", "", "pick markers on the given comma-separated `chromosomes`")
	regionsFilename := flags.String("regions", "", "pick markers inside regions in bed `file`")
	expandRegions := flags.Int("expand-regions", 0, "expand specified regions by `N` base pairs on each side")
	excludeMarkers := flags.Bool("exclude-markers", false, "drop the picked markers and keep the rest")
	samplesFilename := flags.String("samples", "", "pick samples whose ID is listed in `file`")
	affection := flags.String("affection", "", "pick samples with the given comma-separated affection `codes` (0, 1, 2)")
	sex := flags.String("sex", "", "pick samples with the given comma-separated sex `codes` (0, 1, 2)")
	excludeSamples := flags.Bool("exclude-samples", false, "drop the picked samples and keep the rest")
	phenotypeFilename := flags.String("phenotype-file", "", "override sex/affection with phenotype `file`")
	name := flags.String("name", "", "output matrix `name`")
	outputDir := flags.String("o", "", "output matrix `directory`")
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
		runner := cmd.Runner("extract", 32000000000, 1)
		err = runner.TranslatePaths(inputDir, markersFilename, rsidsFilename, regionsFilename, samplesFilename, phenotypeFilename)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"extract"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-i", *inputDir,
			"-markers="+*markersFilename,
			"-rsids="+*rsidsFilename,
			"-chromosomes="+*chromosomes,
			"-regions="+*regionsFilename,
			"-expand-regions="+strconv.Itoa(*expandRegions),
			"-exclude-markers="+strconv.FormatBool(*excludeMarkers),
			"-samples="+*samplesFilename,
			"-affection="+*affection,
			"-sex="+*sex,
			"-exclude-samples="+strconv.FormatBool(*excludeSamples),
			"-phenotype-file="+*phenotypeFilename,
			"-name="+*name,
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

	var mc MarkerCriteria
	mc.Exclude = *excludeMarkers
	if *markersFilename != "" {
		tokens, err := loadCriteria(*markersFilename)
		if err != nil {
			return err
		}
		mc.Keys = map[markers.Key]bool{}
		for _, t := range tokens {
			mc.Keys[markers.Key(t)] = true
		}
	}
	if *rsidsFilename != "" {
		tokens, err := loadCriteria(*rsidsFilename)
		if err != nil {
			return err
		}
		mc.RSIDs = map[string]bool{}
		for _, t := range tokens {
			mc.RSIDs[t] = true
		}
	}
	if chrs := splitList(*chromosomes); len(chrs) > 0 {
		mc.Chromosomes = map[string]bool{}
		for _, chr := range chrs {
			mc.Chromosomes[chr] = true
		}
	}
	if *regionsFilename != "" {
		log.Printf("loading regions from %s", *regionsFilename)
		mc.Regions, err = loadRegions(*regionsFilename, *expandRegions)
		if err != nil {
			return err
		}
		log.Printf("loaded %d regions", mc.Regions.Len())
	}

	var sc SampleCriteria
	sc.Exclude = *excludeSamples
	if *samplesFilename != "" {
		tokens, err := loadCriteria(*samplesFilename)
		if err != nil {
			return err
		}
		sc.IDs = map[string]bool{}
		for _, t := range tokens {
			sc.IDs[t] = true
		}
	}
	if codes := splitList(*affection); len(codes) > 0 {
		sc.Affections = map[census.Affection]bool{}
		for _, code := range codes {
			aff, err := census.ParseAffection(code)
			if err != nil {
				return usageError{err}
			}
			sc.Affections[aff] = true
		}
	}
	if codes := splitList(*sex); len(codes) > 0 {
		sc.Sexes = map[census.Sex]bool{}
		for _, code := range codes {
			s, err := census.ParseSex(code)
			if err != nil {
				return usageError{err}
			}
			sc.Sexes[s] = true
		}
	}
	pheno, err := loadPhenotypes(*phenotypeFilename)
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)
	cat, err := cmd.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, cmd.Catalog)
	if *name == "" {
		*name = m.Metadata.Name + " (extract)"
	}
	meta, err := Extract(ctx, ExtractParams{
		Matrix:     m,
		Dir:        *outputDir,
		Name:       *name,
		Markers:    mc,
		Samples:    sc,
		Phenotypes: pheno,
		Catalog:    cat,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"matrix":  meta.ID,
		"samples": meta.SampleCount,
		"markers": meta.MarkerCount,
	}).Infof("wrote %s", *outputDir)
	return nil
}
