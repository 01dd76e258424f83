// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/arvados/gwaspi/census"
	"github.com/csimplestring/go-csv/detector"
)

type phenotype struct {
	SampleID  string
	FamilyID  string
	Sex       census.Sex
	Affection census.Affection
}

type phenotypeKey struct {
	FamilyID string
	SampleID string
}

// phenotypes maps (family, sample) pairs to phenotype records read
// from a phenotype file. Records with an empty family ID are keyed
// by sample ID alone.
type phenotypes map[phenotypeKey]phenotype

// Lookup returns the record for the given sample. An exact (family,
// sample) match wins. Otherwise a record with no family ID matches
// any family, and a key with no family ID matches the sample's
// record if there is exactly one.
func (ps phenotypes) Lookup(key SampleKey) (phenotype, bool) {
	return ps.lookup(key, nil)
}

// lookup is Lookup, using index (from ps.bySample) if not nil to
// find records by sample ID.
func (ps phenotypes) lookup(key SampleKey, index map[string][]phenotype) (phenotype, bool) {
	if p, ok := ps[phenotypeKey{key.FamilyID, key.SampleID}]; ok {
		return p, true
	}
	if key.FamilyID != "" {
		p, ok := ps[phenotypeKey{"", key.SampleID}]
		return p, ok
	}
	var found []phenotype
	if index != nil {
		found = index[key.SampleID]
	} else {
		for k, p := range ps {
			if k.SampleID == key.SampleID {
				found = append(found, p)
			}
		}
	}
	if len(found) != 1 {
		return phenotype{}, false
	}
	return found[0], true
}

func (ps phenotypes) bySample() map[string][]phenotype {
	index := make(map[string][]phenotype, len(ps))
	for k, p := range ps {
		index[k.SampleID] = append(index[k.SampleID], p)
	}
	return index
}

// Apply returns samples with sex and affection replaced wherever ps
// has a matching record.
func (ps phenotypes) Apply(samples []SampleInfo) []SampleInfo {
	index := ps.bySample()
	out := make([]SampleInfo, len(samples))
	for i, si := range samples {
		if p, ok := ps.lookup(si.Key, index); ok {
			si.Sex = p.Sex
			si.Affection = p.Affection
		}
		out[i] = si
	}
	return out
}

// detectSeparator returns the most likely field separator in data,
// defaulting to tab.
func detectSeparator(data []byte) byte {
	d := detector.New()
	delims := d.DetectDelimiter(bytes.NewReader(data), '"')
	if len(delims) > 0 && len(delims[0]) == 1 {
		return delims[0][0]
	}
	return '\t'
}

// splitFields splits a line on sep, and also on commas, spaces, and
// tabs. Empty fields are dropped.
func splitFields(line string, sep byte) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == rune(sep) || r == ',' || r == ' ' || r == '\t'
	})
}

// readPhenotypes reads a phenotype file: a header line, then one
// line per sample with sample ID, family ID, sex (0/1/2), and
// affection (0/1/2).
func readPhenotypes(rdr io.Reader, fnm string) (phenotypes, error) {
	data, err := io.ReadAll(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	sep := detectSeparator(data)
	ps := phenotypes{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(nil, 1<<20)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		if lineNum == 1 {
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := splitFields(line, sep)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%s line %d: expected 4 fields (sample, family, sex, affection), found %d", fnm, lineNum, len(fields))
		}
		sex, err := census.ParseSex(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		aff, err := census.ParseAffection(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		key := phenotypeKey{FamilyID: fields[1], SampleID: fields[0]}
		if _, dup := ps[key]; dup {
			return nil, fmt.Errorf("%s line %d: duplicate record for sample %q in family %q", fnm, lineNum, key.SampleID, key.FamilyID)
		}
		ps[key] = phenotype{
			SampleID:  fields[0],
			FamilyID:  fields[1],
			Sex:       sex,
			Affection: aff,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ps, nil
}

func loadPhenotypes(fnm string) (phenotypes, error) {
	if fnm == "" {
		return nil, nil
	}
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readPhenotypes(f, fnm)
}

// readCriteria reads one token per line. Blank lines and lines
// starting with "#" are ignored.
func readCriteria(rdr io.Reader) ([]string, error) {
	var tokens []string
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	return tokens, scanner.Err()
}

func loadCriteria(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tokens, err := readCriteria(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return tokens, nil
}
