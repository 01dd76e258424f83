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
	"path/filepath"
	"time"

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/arvados/gwaspi/markers"
	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// A matrix is stored as a directory containing a gzipped gob
// header and a numpy array of allele bytes shaped (samples,
// markers, 2).
const (
	matrixHeaderFile    = "matrix.gob.gz"
	matrixGenotypesFile = "genotypes.npy"
)

type SampleKey struct {
	StudyID  int
	SampleID string
	FamilyID string
}

func (k SampleKey) String() string {
	if k.FamilyID == "" {
		return k.SampleID
	}
	return k.FamilyID + "/" + k.SampleID
}

type SampleInfo struct {
	Key       SampleKey
	Sex       census.Sex
	Affection census.Affection
}

type MarkerInfo struct {
	Key        markers.Key
	Chromosome string
	Position   int
	RSID       string
	// Dictionary holds the nucleotides represented by the first
	// and second allele in AB0/O12 encoded matrices.
	Dictionary string
	Strand     string
}

func (mi MarkerInfo) position() markers.Position {
	return markers.Position{Key: mi.Key, Chromosome: mi.Chromosome, Position: mi.Position}
}

type MatrixMetadata struct {
	ID              string
	StudyID         int
	Name            string
	Technology      string
	SampleCount     int
	MarkerCount     int
	ChromosomeCount int
	Encoding        genotype.Encoding
	HasDictionary   bool
	ParentMatrixIDs []string
	ParentOperation string
	Description     string
	Created         time.Time
	// Checksum is the hex blake2b-256 digest of the genotype
	// array file.
	Checksum string
}

type matrixHeader struct {
	Metadata    MatrixMetadata
	Markers     []MarkerInfo
	Samples     []SampleInfo
	Chromosomes []markers.ChromosomeInfo
}

// MatrixWriter builds a new matrix. Genotypes are held in memory
// (every call initially missing) and written when Close is called.
type MatrixWriter struct {
	dir    string
	header matrixHeader
	data   []byte
}

// CreateMatrix prepares a new matrix in dir with the given marker
// and sample axes. Chromosome info and counts in meta are derived
// from mks.
func CreateMatrix(dir string, meta MatrixMetadata, mks []MarkerInfo, samples []SampleInfo) (*MatrixWriter, error) {
	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return nil, err
	}
	positions := make([]markers.Position, len(mks))
	for i, mi := range mks {
		positions[i] = mi.position()
	}
	chrinfo := markers.ChromosomeInfos(positions)
	meta.SampleCount = len(samples)
	meta.MarkerCount = len(mks)
	meta.ChromosomeCount = len(chrinfo)
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	data := make([]byte, len(samples)*len(mks)*2)
	for i := range data {
		data[i] = genotype.Missing
	}
	return &MatrixWriter{
		dir: dir,
		header: matrixHeader{
			Metadata:    meta,
			Markers:     mks,
			Samples:     samples,
			Chromosomes: chrinfo,
		},
		data: data,
	}, nil
}

func (w *MatrixWriter) Metadata() MatrixMetadata {
	return w.header.Metadata
}

// SetDescription replaces the description that will be written by
// Close.
func (w *MatrixWriter) SetDescription(desc string) {
	w.header.Metadata.Description = desc
}

func (w *MatrixWriter) Set(sample, marker int, g genotype.Genotype) {
	off := (sample*len(w.header.Markers) + marker) * 2
	w.data[off] = g[0]
	w.data[off+1] = g[1]
}

func (w *MatrixWriter) Get(sample, marker int) genotype.Genotype {
	off := (sample*len(w.header.Markers) + marker) * 2
	return genotype.Genotype{w.data[off], w.data[off+1]}
}

// SetSample sets all genotypes of one sample.
func (w *MatrixWriter) SetSample(sample int, gs []genotype.Genotype) error {
	if len(gs) != len(w.header.Markers) {
		return fmt.Errorf("bug: sample %d has %d genotypes, matrix has %d markers", sample, len(gs), len(w.header.Markers))
	}
	row := w.data[sample*len(gs)*2:]
	for i, g := range gs {
		row[i*2] = g[0]
		row[i*2+1] = g[1]
	}
	return nil
}

// Column returns the genotypes of one marker across all samples.
func (w *MatrixWriter) Column(marker int) []genotype.Genotype {
	out := make([]genotype.Genotype, len(w.header.Samples))
	for s := range out {
		out[s] = w.Get(s, marker)
	}
	return out
}

// Close writes the genotype array and the header.
func (w *MatrixWriter) Close() error {
	fnm := filepath.Join(w.dir, matrixGenotypesFile)
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	hash, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriterSize(io.MultiWriter(f, hash), 1<<22)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	npw.Shape = []int{len(w.header.Samples), len(w.header.Markers), 2}
	err = npw.WriteUint8(w.data)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	w.header.Metadata.Checksum = fmt.Sprintf("%x", hash.Sum(nil))
	return writeMatrixHeader(w.dir, &w.header)
}

func writeMatrixHeader(dir string, header *matrixHeader) error {
	fnm := filepath.Join(dir, matrixHeaderFile)
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	zw := pgzip.NewWriter(bufw)
	err = gob.NewEncoder(zw).Encode(header)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", fnm, err)
	}
	err = zw.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return f.Close()
}

func readMatrixHeader(dir string) (*matrixHeader, error) {
	fnm := filepath.Join(dir, matrixHeaderFile)
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var header matrixHeader
	err = gob.NewDecoder(f).Decode(&header)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", fnm, err)
	}
	return &header, nil
}

// matrixChecksum returns the hex blake2b-256 digest of a matrix's
// genotype array file.
func matrixChecksum(dir string) (string, error) {
	fnm := filepath.Join(dir, matrixGenotypesFile)
	f, err := os.Open(fnm)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(hash, bufio.NewReaderSize(f, 1<<22))
	if err != nil {
		return "", fmt.Errorf("%s: %w", fnm, err)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// UpdateMatrixDescription rewrites the description stored in an
// existing matrix header.
func UpdateMatrixDescription(dir, desc string) error {
	header, err := readMatrixHeader(dir)
	if err != nil {
		return err
	}
	header.Metadata.Description = desc
	return writeMatrixHeader(dir, header)
}

// MatrixReader reads genotypes from a stored matrix without loading
// the whole genotype array.
type MatrixReader struct {
	Dir         string
	Metadata    MatrixMetadata
	Markers     []MarkerInfo
	Samples     []SampleInfo
	Chromosomes []markers.ChromosomeInfo

	f      *os.File
	offset int64
}

func OpenMatrix(dir string) (*MatrixReader, error) {
	header, err := readMatrixHeader(dir)
	if err != nil {
		return nil, err
	}
	fnm := filepath.Join(dir, matrixGenotypesFile)
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	npr, err := gonpy.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	nsamples, nmarkers := len(header.Samples), len(header.Markers)
	if len(npr.Shape) != 3 || npr.Shape[0] != nsamples || npr.Shape[1] != nmarkers || npr.Shape[2] != 2 {
		f.Close()
		return nil, fmt.Errorf("%s: array shape %v does not match header (%d samples, %d markers)", fnm, npr.Shape, nsamples, nmarkers)
	}
	if npr.ColumnMajor {
		f.Close()
		return nil, fmt.Errorf("%s: column-major arrays are not supported", fnm)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	datasize := int64(nsamples) * int64(nmarkers) * 2
	if fi.Size() < datasize {
		f.Close()
		return nil, fmt.Errorf("%s: file is truncated (%d bytes, expected at least %d bytes of genotype data)", fnm, fi.Size(), datasize)
	}
	return &MatrixReader{
		Dir:         dir,
		Metadata:    header.Metadata,
		Markers:     header.Markers,
		Samples:     header.Samples,
		Chromosomes: header.Chromosomes,
		f:           f,
		offset:      fi.Size() - datasize,
	}, nil
}

// ReadSample returns all genotypes of one sample, in marker order.
func (r *MatrixReader) ReadSample(sample int) ([]genotype.Genotype, error) {
	if sample < 0 || sample >= len(r.Samples) {
		return nil, fmt.Errorf("sample index %d out of range", sample)
	}
	buf := make([]byte, len(r.Markers)*2)
	_, err := r.f.ReadAt(buf, r.offset+int64(sample)*int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("%s: read sample %d: %w", r.Dir, sample, err)
	}
	gs := make([]genotype.Genotype, len(r.Markers))
	for i := range gs {
		gs[i] = genotype.Genotype{buf[i*2], buf[i*2+1]}
	}
	return gs, nil
}

// ReadMarkers returns the genotypes of markers [start, end) across
// all samples: ReadMarkers(...)[m][s] is the genotype of sample s
// at marker start+m.
func (r *MatrixReader) ReadMarkers(start, end int) ([][]genotype.Genotype, error) {
	if start < 0 || end > len(r.Markers) || start > end {
		return nil, fmt.Errorf("marker range [%d,%d) out of range", start, end)
	}
	cols := make([][]genotype.Genotype, end-start)
	for m := range cols {
		cols[m] = make([]genotype.Genotype, len(r.Samples))
	}
	buf := make([]byte, (end-start)*2)
	rowsize := int64(len(r.Markers)) * 2
	for s := range r.Samples {
		_, err := r.f.ReadAt(buf, r.offset+int64(s)*rowsize+int64(start)*2)
		if err != nil {
			return nil, fmt.Errorf("%s: read sample %d markers [%d,%d): %w", r.Dir, s, start, end, err)
		}
		for m := range cols {
			cols[m][s] = genotype.Genotype{buf[m*2], buf[m*2+1]}
		}
	}
	return cols, nil
}

// MarkerIndex returns a map from marker key to index.
func (r *MatrixReader) MarkerIndex() map[markers.Key]int {
	idx := make(map[markers.Key]int, len(r.Markers))
	for i, mi := range r.Markers {
		idx[mi.Key] = i
	}
	return idx
}

// SampleIndex returns a map from sample key to index.
func (r *MatrixReader) SampleIndex() map[SampleKey]int {
	idx := make(map[SampleKey]int, len(r.Samples))
	for i, si := range r.Samples {
		idx[si.Key] = i
	}
	return idx
}

func (r *MatrixReader) Close() error {
	if r.f == nil {
		return errors.New("matrix reader already closed")
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// closeLogged closes c and logs (but otherwise ignores) any error.
func closeLogged(c io.Closer, what string) {
	if err := c.Close(); err != nil {
		log.Warnf("%s: close: %s", what, err)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
