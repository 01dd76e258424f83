// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// interval is a closed range of 1-based positions.
type interval struct {
	start int
	end   int
}

type intervalTreeNode struct {
	interval interval
	maxend   int
}

type intervalTree []intervalTreeNode

// mask is a set of chromosome regions. Add regions, call Freeze,
// then Check positions.
type mask struct {
	intervals map[string][]interval
	itrees    map[string]intervalTree
	frozen    bool
}

func (m *mask) Add(chromosome string, start, end int) {
	if m.intervals == nil {
		m.intervals = map[string][]interval{}
	}
	chromosome = strings.TrimPrefix(chromosome, "chr")
	m.intervals[chromosome] = append(m.intervals[chromosome], interval{start, end})
}

// Len returns the number of regions added.
func (m *mask) Len() int {
	n := 0
	for _, in := range m.intervals {
		n += len(in)
	}
	return n
}

func (m *mask) Freeze() {
	m.itrees = map[string]intervalTree{}
	for chromosome, intervals := range m.intervals {
		m.itrees[chromosome] = m.freeze(intervals)
	}
	m.frozen = true
}

// Check returns true if any region overlaps [start, end] on the
// given chromosome.
func (m *mask) Check(chromosome string, start, end int) bool {
	if !m.frozen {
		panic("bug: (*mask)Check() called before Freeze()")
	}
	return m.itrees[strings.TrimPrefix(chromosome, "chr")].check(0, interval{start, end})
}

func (m *mask) freeze(in []interval) intervalTree {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		return in[i].start < in[j].start
	})
	itreesize := 1
	for itreesize < len(in) {
		itreesize = itreesize * 2
	}
	itree := make(intervalTree, itreesize)
	itree.importSlice(0, in)
	for i := len(in); i < itreesize; i++ {
		itree[i].maxend = -1
	}
	return itree
}

func (itree intervalTree) check(root int, q interval) bool {
	return root < len(itree) &&
		itree[root].maxend >= q.start &&
		((itree[root].interval.start <= q.end && itree[root].interval.end >= q.start) ||
			itree.check(root*2+1, q) ||
			itree.check(root*2+2, q))
}

func (itree intervalTree) importSlice(root int, in []interval) int {
	mid := len(in) / 2
	node := intervalTreeNode{interval: in[mid], maxend: in[mid].end}
	if mid > 0 {
		end := itree.importSlice(root*2+1, in[0:mid])
		if end > node.maxend {
			node.maxend = end
		}
	}
	if mid+1 < len(in) {
		end := itree.importSlice(root*2+2, in[mid+1:])
		if end > node.maxend {
			node.maxend = end
		}
	}
	itree[root] = node
	return node.maxend
}

// readRegions reads a BED file (chromosome, 0-based start, exclusive
// end) into a frozen mask of 1-based closed intervals, each widened
// by expand positions on both sides.
func readRegions(rdr io.Reader, fnm string, expand int) (*mask, error) {
	m := &mask{}
	scanner := bufio.NewScanner(rdr)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "track ") || strings.HasPrefix(line, "browser ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s line %d: expected at least 3 fields, found %d", fnm, lineNum, len(fields))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: start: %w", fnm, lineNum, err)
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: end: %w", fnm, lineNum, err)
		}
		start = start + 1 - expand
		if start < 1 {
			start = 1
		}
		m.Add(fields[0], start, end+expand)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	m.Freeze()
	return m, nil
}

func loadRegions(fnm string, expand int) (*mask, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readRegions(f, fnm, expand)
}
