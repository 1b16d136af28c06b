// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package calltree

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Line-oriented text format:
//
//	NodeProfData,Start,<unix ms>
//	NodeProfData,Node,<id>,<parent id>,<url>,<function>,<line>,<self samples>
//	NodeProfData,End
const textPrefix = "NodeProfData"

// WriteText serializes the tree in the agent's line-oriented format.
// The tree must have been finished.
func WriteText(w io.Writer, t *Tree) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s,Start,%d\n", textPrefix, t.End.UnixMilli())
	t.Walk(func(n *Node, parentID int) {
		fmt.Fprintf(bw, "%s,Node,%d,%d,%s,%s,%d,%d\n",
			textPrefix, n.ID, parentID, n.URL, n.FunctionName, n.LineNumber, n.HitCount)
	})
	fmt.Fprintf(bw, "%s,End\n", textPrefix)
	return bw.Flush()
}

type jsonProfile struct {
	Date int64 `json:"date"`
	Head *Node `json:"head"`
}

// MarshalJSON encodes the tree as {"date": <unix ms>, "head": <root>}.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonProfile{Date: t.End.UnixMilli(), Head: t.Root})
}

// Function is one parsed text-format node.
type Function struct {
	Self   int    `json:"self"`
	Parent int    `json:"parent"`
	File   string `json:"file"`
	Name   string `json:"name"`
	Line   int    `json:"line"`
	Count  int64  `json:"count"`
}

// Profile is the consumer-side view of a text-format profile.
type Profile struct {
	Time      int64      `json:"time"`
	Functions []Function `json:"functions"`
}

// ParseText decodes the line-oriented format produced by WriteText.
// File and function names must not contain commas.
func ParseText(r io.Reader) (*Profile, error) {
	p := &Profile{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 || fields[0] != textPrefix {
			return nil, fmt.Errorf("line %d: not a profile record", lineNo)
		}
		switch fields[1] {
		case "Start":
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: malformed start record", lineNo)
			}
			ts, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: start time: %w", lineNo, err)
			}
			p.Time = ts
		case "Node":
			fn, err := parseNode(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			p.Functions = append(p.Functions, fn)
		case "End":
			return p, nil
		default:
			return nil, fmt.Errorf("line %d: unknown record %q", lineNo, fields[1])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("profile truncated: missing end record")
}

func parseNode(fields []string) (Function, error) {
	if len(fields) != 8 {
		return Function{}, fmt.Errorf("node record has %d fields, want 8", len(fields))
	}
	ints := make([]int64, 0, 4)
	for _, idx := range []int{2, 3, 6, 7} {
		v, err := strconv.ParseInt(fields[idx], 10, 64)
		if err != nil {
			return Function{}, fmt.Errorf("field %d: %w", idx, err)
		}
		ints = append(ints, v)
	}
	return Function{
		Self:   int(ints[0]),
		Parent: int(ints[1]),
		File:   fields[4],
		Name:   fields[5],
		Line:   int(ints[2]),
		Count:  ints[3],
	}, nil
}
