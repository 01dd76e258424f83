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
	"sort"
	"strconv"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// PLINK numeric chromosome codes for the non-autosomes.
var plinkChromosomes = map[string]string{
	"23": "X",
	"24": "Y",
	"25": "XY",
	"26": "MT",
	"M":  "MT",
}

func normalizeChromosome(chr string) string {
	chr = strings.TrimPrefix(chr, "chr")
	if c, ok := plinkChromosomes[chr]; ok {
		return c
	}
	return chr
}

// readPlinkMap reads a PLINK .map file (chromosome, marker ID,
// genetic distance, position).
func readPlinkMap(rdr io.Reader, fnm string) ([]MarkerInfo, error) {
	var mks []MarkerInfo
	seen := map[markers.Key]bool{}
	scanner := bufio.NewScanner(rdr)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 4 && len(fields) != 3 {
			return nil, fmt.Errorf("%s line %d: expected 3 or 4 fields, found %d", fnm, lineNum, len(fields))
		}
		pos, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: position: %w", fnm, lineNum, err)
		}
		key := markers.Key(fields[1])
		if seen[key] {
			return nil, fmt.Errorf("%s line %d: duplicate marker %q", fnm, lineNum, key)
		}
		seen[key] = true
		mks = append(mks, MarkerInfo{
			Key:        key,
			Chromosome: normalizeChromosome(fields[0]),
			Position:   pos,
			RSID:       fields[1],
			Strand:     "+",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return mks, nil
}

// plinkAllele converts a PLINK allele call to a matrix allele.
func plinkAllele(s string) (byte, error) {
	switch s {
	case "0", "-", "N", ".":
		return genotype.Missing, nil
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid allele %q", s)
	}
	return s[0], nil
}

// readPlinkPed reads a PLINK .ped file with nmarkers genotypes per
// line. It returns the samples, their genotypes in map file order,
// and the set of alleles seen.
func readPlinkPed(rdr io.Reader, fnm string, studyID, nmarkers int) ([]SampleInfo, [][]genotype.Genotype, map[byte]bool, error) {
	var samples []SampleInfo
	var rows [][]genotype.Genotype
	alleles := map[byte]bool{}
	seen := map[SampleKey]bool{}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 1<<30)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6+nmarkers*2 {
			return nil, nil, nil, fmt.Errorf("%s line %d: expected %d fields (6 + 2 x %d markers), found %d", fnm, lineNum, 6+nmarkers*2, nmarkers, len(fields))
		}
		key := SampleKey{StudyID: studyID, FamilyID: fields[0], SampleID: fields[1]}
		if seen[key] {
			return nil, nil, nil, fmt.Errorf("%s line %d: duplicate sample %s", fnm, lineNum, key)
		}
		seen[key] = true
		sex, err := census.ParseSex(fields[4])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		aff, err := census.ParseAffection(fields[5])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		row := make([]genotype.Genotype, nmarkers)
		for i := range row {
			for j := 0; j < 2; j++ {
				b, err := plinkAllele(fields[6+i*2+j])
				if err != nil {
					return nil, nil, nil, fmt.Errorf("%s line %d marker %d: %w", fnm, lineNum, i+1, err)
				}
				row[i][j] = b
				alleles[b] = true
			}
		}
		samples = append(samples, SampleInfo{Key: key, Sex: sex, Affection: aff})
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return samples, rows, alleles, nil
}

// readDictionary reads "markerID alleles" lines.
func readDictionary(rdr io.Reader, fnm string) (map[markers.Key]string, error) {
	dict := map[markers.Key]string{}
	tokens, err := readCriteria(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	for i, t := range tokens {
		fields := strings.Fields(t)
		if len(fields) != 2 || len(fields[1]) > 2 {
			return nil, fmt.Errorf("%s entry %d: expected marker ID and 1 or 2 alleles, got %q", fnm, i+1, t)
		}
		dict[markers.Key(fields[0])] = fields[1]
	}
	return dict, nil
}

type ImportParams struct {
	Ped, Map   io.Reader
	PedName    string
	MapName    string
	Dictionary map[markers.Key]string
	StudyID    int
	Name       string
	Technology string
	Dir        string
	Catalog    catalog
}

// ImportPlink reads PLINK .ped/.map data into a new matrix with
// markers sorted by chromosome and position, and the encoding
// detected from the alleles present.
func ImportPlink(ctx context.Context, p ImportParams) (*MatrixMetadata, error) {
	mks, err := readPlinkMap(p.Map, p.MapName)
	if err != nil {
		return nil, err
	}
	log.Infof("%s: %d markers", p.MapName, len(mks))
	samples, rows, alleles, err := readPlinkPed(p.Ped, p.PedName, p.StudyID, len(mks))
	if err != nil {
		return nil, err
	}
	log.Infof("%s: %d samples", p.PedName, len(samples))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc := genotype.Detect(alleles)
	if enc == genotype.Unknown {
		log.Warnf("%s: could not detect genotype encoding", p.PedName)
	}
	hasDict := p.Dictionary != nil
	for i := range mks {
		if d, ok := p.Dictionary[mks[i].Key]; ok {
			mks[i].Dictionary = d
		} else {
			hasDict = false
		}
	}

	// order[i] is the map file index of the i'th sorted marker.
	order := make([]int, len(mks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return markers.Less(mks[order[i]].position(), mks[order[j]].position())
	})
	sorted := make([]MarkerInfo, len(mks))
	for i, idx := range order {
		sorted[i] = mks[idx]
	}

	meta := MatrixMetadata{
		ID:            uuid.New().String(),
		StudyID:       p.StudyID,
		Name:          p.Name,
		Technology:    p.Technology,
		Encoding:      enc,
		HasDictionary: hasDict,
		Description:   fmt.Sprintf("PLINK import of %s and %s", p.PedName, p.MapName),
	}
	w, err := CreateMatrix(p.Dir, meta, sorted, samples)
	if err != nil {
		return nil, err
	}
	out := make([]genotype.Genotype, len(sorted))
	for s, row := range rows {
		for i, idx := range order {
			out[i] = row[idx]
		}
		err = w.SetSample(s, out)
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

type importPlink struct {
	runFlags
}

func (cmd *importPlink) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *importPlink) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	pedFilename := flags.String("ped", "", "PLINK .ped `file` (may be gzipped)")
	mapFilename := flags.String("map", "", "PLINK .map `file` (may be gzipped)")
	dictFilename := flags.String("dictionary", "", "allele dictionary `file` (marker ID and alleles per line)")
	studyID := flags.Int("study", 0, "study `id`")
	name := flags.String("name", "", "matrix `name`")
	technology := flags.String("technology", "PLINK", "genotyping technology `tag`")
	outputDir := flags.String("o", "", "output matrix `directory`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *pedFilename == "" || *mapFilename == "" {
		return usageError{errors.New("missing required flag -ped or -map")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		runner := cmd.Runner("import-plink", 64000000000, 1)
		err = runner.TranslatePaths(pedFilename, mapFilename, dictFilename)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"import-plink"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-ped", *pedFilename,
			"-map", *mapFilename,
			"-dictionary="+*dictFilename,
			"-study="+strconv.Itoa(*studyID),
			"-name="+*name,
			"-technology="+*technology,
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
	pedf, err := zopen(*pedFilename)
	if err != nil {
		return err
	}
	defer pedf.Close()
	mapf, err := zopen(*mapFilename)
	if err != nil {
		return err
	}
	defer mapf.Close()
	var dict map[markers.Key]string
	if *dictFilename != "" {
		f, err := zopen(*dictFilename)
		if err != nil {
			return err
		}
		dict, err = readDictionary(f, *dictFilename)
		f.Close()
		if err != nil {
			return err
		}
	}
	cat, err := cmd.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, cmd.Catalog)
	if *name == "" {
		*name = *pedFilename
	}
	meta, err := ImportPlink(ctx, ImportParams{
		Ped:        pedf,
		Map:        mapf,
		PedName:    *pedFilename,
		MapName:    *mapFilename,
		Dictionary: dict,
		StudyID:    *studyID,
		Name:       *name,
		Technology: *technology,
		Dir:        *outputDir,
		Catalog:    cat,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"matrix":      meta.ID,
		"samples":     meta.SampleCount,
		"markers":     meta.MarkerCount,
		"chromosomes": meta.ChromosomeCount,
		"encoding":    meta.Encoding,
	}).Infof("wrote %s", *outputDir)
	return nil
}
