// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/markers"
	"github.com/klauspost/pgzip"
)

type OperationKind string

const (
	OpSampleQA      OperationKind = "sample-qa"
	OpMarkerQA      OperationKind = "marker-qa"
	OpCensus        OperationKind = "census"
	OpHardyWeinberg OperationKind = "hardy-weinberg"
	OpAllelic       OperationKind = "allelic"
	OpGenotypic     OperationKind = "genotypic"
	OpTrend         OperationKind = "trend"
)

type OperationHeader struct {
	ID              string
	Kind            OperationKind
	MatrixID        string
	MatrixDir       string
	ParentOperation string
	Created         time.Time
	Description     string
	Params          map[string]string
	// Samples is the set of samples that contributed to the
	// results (after exclusions).
	Samples []SampleKey
	// MarkerTotal is the number of markers considered before
	// exclusions.
	MarkerTotal int
}

type SampleQARecord struct {
	Key          SampleKey
	MissingRatio float64
	HetRatio     float64
	MissingCount int
	HetCount     int
	CalledCount  int
}

type MarkerQARecord struct {
	Index        int
	Key          markers.Key
	Chromosome   string
	MissingRatio float64
	Mismatch     bool
	Major        byte
	Minor        byte
	MajorFreq    float64
}

type CensusMarker struct {
	// Index of the marker in the parent matrix.
	Index      int
	Key        markers.Key
	Chromosome string
	Position   int
	census.Record
}

type HWTable struct {
	ObservedHet float64
	ExpectedHet float64
	ChiSquare   float64
	P           float64
	ExactP      float64 `json:",omitempty"`
}

type HWRecord struct {
	Index   int
	Key     markers.Key
	Control HWTable
	HWAlt   HWTable
}

type AssociationRecord struct {
	Index      int
	Key        markers.Key
	Chromosome string
	Position   int
	Major      byte
	Minor      byte
	ChiSquare  float64
	P          float64
	// OddsRatio is the allelic odds ratio, or the Aa/AA genotypic
	// odds ratio. OddsRatio2 is the aa/AA genotypic odds ratio.
	OddsRatio  float64 `json:",omitempty"`
	OddsRatio2 float64 `json:",omitempty"`
	FisherP    float64 `json:",omitempty"`
}

// OperationEntry is one value in an operation result stream. The
// first entry holds the header; later entries hold chunks of
// records.
type OperationEntry struct {
	Header        *OperationHeader
	SampleQA      []SampleQARecord
	MarkerQA      []MarkerQARecord
	Census        []CensusMarker
	HardyWeinberg []HWRecord
	Association   []AssociationRecord
}

// OperationResult is an operation result stream read back into
// memory.
type OperationResult struct {
	OperationHeader
	SampleQA      []SampleQARecord
	MarkerQA      []MarkerQARecord
	Census        []CensusMarker
	HardyWeinberg []HWRecord
	Association   []AssociationRecord
}

// OperationWriter appends entries to a new operation result file.
type OperationWriter struct {
	fnm  string
	f    *os.File
	bufw *bufio.Writer
	zw   *pgzip.Writer
	enc  *gob.Encoder
}

func CreateOperation(fnm string, header OperationHeader) (*OperationWriter, error) {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	bufw := bufio.NewWriterSize(f, 1<<20)
	zw := pgzip.NewWriter(bufw)
	w := &OperationWriter{
		fnm:  fnm,
		f:    f,
		bufw: bufw,
		zw:   zw,
		enc:  gob.NewEncoder(zw),
	}
	if header.Created.IsZero() {
		header.Created = time.Now().UTC()
	}
	err = w.Write(OperationEntry{Header: &header})
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *OperationWriter) Write(ent OperationEntry) error {
	err := w.enc.Encode(ent)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", w.fnm, err)
	}
	return nil
}

func (w *OperationWriter) Close() error {
	if w.f == nil {
		return errors.New("operation writer already closed")
	}
	defer func() { w.f = nil }()
	err := w.zw.Close()
	if err != nil {
		w.f.Close()
		return fmt.Errorf("%s: %w", w.fnm, err)
	}
	err = w.bufw.Flush()
	if err != nil {
		w.f.Close()
		return fmt.Errorf("%s: %w", w.fnm, err)
	}
	return w.f.Close()
}

// DecodeOperation calls cb for each entry in an operation result
// stream.
func DecodeOperation(rdr io.Reader, cb func(*OperationEntry) error) error {
	zr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<20))
	if err != nil {
		return err
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)
	for {
		var ent OperationEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = cb(&ent)
		if err != nil {
			return err
		}
	}
}

func ReadOperation(fnm string) (*OperationResult, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res OperationResult
	gotHeader := false
	err = DecodeOperation(f, func(ent *OperationEntry) error {
		if ent.Header != nil {
			if gotHeader {
				return errors.New("multiple headers")
			}
			res.OperationHeader = *ent.Header
			gotHeader = true
		}
		res.SampleQA = append(res.SampleQA, ent.SampleQA...)
		res.MarkerQA = append(res.MarkerQA, ent.MarkerQA...)
		res.Census = append(res.Census, ent.Census...)
		res.HardyWeinberg = append(res.HardyWeinberg, ent.HardyWeinberg...)
		res.Association = append(res.Association, ent.Association...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if !gotHeader {
		return nil, fmt.Errorf("%s: no operation header", fnm)
	}
	return &res, nil
}

// expectKind returns an error if res is not a result of the given
// kind.
func (res *OperationResult) expectKind(kinds ...OperationKind) error {
	for _, k := range kinds {
		if res.Kind == k {
			return nil
		}
	}
	return fmt.Errorf("operation %s is %s, expected %v", res.ID, res.Kind, kinds)
}
