// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package calltree

import (
	"bytes"

	pprofProfile "github.com/google/pprof/profile"
)

type funcKey struct {
	name string
	file string
}

// PProf constructs a gzip-compressed pprof protobuf from the tree. period is
// the sampling interval; every self hit becomes one sample worth period
// nanoseconds of CPU. Returns nil for an empty tree.
func PProf(t *Tree, periodNs int64) ([]byte, error) {
	if t.Empty() {
		return nil, nil
	}

	prof := &pprofProfile.Profile{
		SampleType: []*pprofProfile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType:    &pprofProfile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:        periodNs,
		TimeNanos:     t.Start.UnixNano(),
		DurationNanos: t.End.Sub(t.Start).Nanoseconds(),
	}

	// Dedupe functions by name+file and locations by node frame
	functionMap := make(map[funcKey]*pprofProfile.Function)
	locationMap := make(map[*Node]*pprofProfile.Location)

	location := func(n *Node) *pprofProfile.Location {
		if loc, ok := locationMap[n]; ok {
			return loc
		}
		key := funcKey{name: n.FunctionName, file: n.URL}
		fn, ok := functionMap[key]
		if !ok {
			fn = &pprofProfile.Function{
				ID:       uint64(len(prof.Function) + 1),
				Name:     n.FunctionName,
				Filename: n.URL,
			}
			functionMap[key] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &pprofProfile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []pprofProfile.Line{{Function: fn, Line: int64(n.LineNumber)}},
		}
		locationMap[n] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	// pprof stacks are leaf first; path is root first, excluding the root
	var visit func(n *Node, path []*Node)
	visit = func(n *Node, path []*Node) {
		if n.HitCount > 0 {
			locs := make([]*pprofProfile.Location, 0, len(path))
			for i := len(path) - 1; i >= 0; i-- {
				locs = append(locs, location(path[i]))
			}
			prof.Sample = append(prof.Sample, &pprofProfile.Sample{
				Location: locs,
				Value:    []int64{n.HitCount, n.HitCount * periodNs},
			})
		}
		for _, c := range n.Children {
			visit(c, append(path, c))
		}
	}
	for _, c := range t.Root.Children {
		visit(c, []*Node{c})
	}

	// prof.Write() outputs gzip-compressed protobuf (pprof standard format)
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
