// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package calltree

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	pprofProfile "github.com/google/pprof/profile"
)

var (
	frameMain  = Frame{Function: "main", File: "app.go", Line: 10}
	frameParse = Frame{Function: "parse", File: "parse.go", Line: 42}
	frameWrite = Frame{Function: "write", File: `C:\srv\write.go`, Line: 7}
)

func buildTree() *Tree {
	start := time.UnixMilli(1_700_000_000_000)
	t := New(start)
	t.Add([]Frame{frameMain, frameParse})
	t.Add([]Frame{frameMain, frameParse})
	t.Add([]Frame{frameMain})
	t.Add([]Frame{frameMain, frameWrite})
	t.Add(nil)
	t.Finish(start.Add(5 * time.Second))
	return t
}

func TestTreeAddAggregatesSelfHits(t *testing.T) {
	tree := buildTree()

	if tree.Samples != 4 {
		t.Errorf("Samples = %d, want 4", tree.Samples)
	}
	if tree.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", tree.Gaps)
	}
	if len(tree.Root.Children) != 1 {
		t.Fatalf("root children = %d, want 1", len(tree.Root.Children))
	}
	main := tree.Root.Children[0]
	if main.HitCount != 1 {
		t.Errorf("main self = %d, want 1", main.HitCount)
	}
	if main.Total() != 4 {
		t.Errorf("main total = %d, want 4", main.Total())
	}
	parse := tree.Lookup("parse")
	if len(parse) != 1 || parse[0].HitCount != 2 {
		t.Fatalf("parse nodes = %+v, want one node with 2 hits", parse)
	}
}

func TestTreeFinishAssignsPreorderIDs(t *testing.T) {
	tree := buildTree()

	var ids, parents []int
	tree.Walk(func(n *Node, parentID int) {
		ids = append(ids, n.ID)
		parents = append(parents, parentID)
	})
	wantIDs := []int{1, 2, 3, 4}
	wantParents := []int{0, 1, 2, 2}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] || parents[i] != wantParents[i] {
			t.Fatalf("walk = ids %v parents %v, want %v %v", ids, parents, wantIDs, wantParents)
		}
	}
}

func TestEmptyTree(t *testing.T) {
	tree := New(time.Now())
	tree.AddGap()
	tree.Finish(time.Now())
	if !tree.Empty() {
		t.Error("tree with only gaps should be empty")
	}
	data, err := PProf(tree, int64(time.Millisecond))
	if err != nil || data != nil {
		t.Errorf("PProf(empty) = %v, %v; want nil, nil", data, err)
	}
}

func TestWriteTextRoundTrip(t *testing.T) {
	tree := buildTree()

	var buf bytes.Buffer
	if err := WriteText(&buf, tree); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	text := buf.String()
	if !strings.HasPrefix(text, "NodeProfData,Start,1700000005000\n") {
		t.Errorf("unexpected header: %q", text)
	}
	if !strings.HasSuffix(text, "NodeProfData,End\n") {
		t.Errorf("unexpected trailer: %q", text)
	}

	p, err := ParseText(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if p.Time != 1700000005000 {
		t.Errorf("Time = %d", p.Time)
	}
	if len(p.Functions) != 4 {
		t.Fatalf("functions = %d, want 4", len(p.Functions))
	}
	parse := p.Functions[2]
	if parse.Name != "parse" || parse.File != "parse.go" || parse.Line != 42 || parse.Count != 2 || parse.Parent != 2 {
		t.Errorf("parse function = %+v", parse)
	}
	write := p.Functions[3]
	if write.File != "C:/srv/write.go" {
		t.Errorf("write file = %q, want forward slashes", write.File)
	}
}

func TestParseTextRejectsTruncated(t *testing.T) {
	_, err := ParseText(strings.NewReader("NodeProfData,Start,1\nNodeProfData,Node,1,0,,(root),0,0\n"))
	if err == nil {
		t.Fatal("expected error for missing end record")
	}
	_, err = ParseText(strings.NewReader("NodeGCData,1,2\n"))
	if err == nil {
		t.Fatal("expected error for foreign record")
	}
}

func TestMarshalJSON(t *testing.T) {
	tree := buildTree()

	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Date int64 `json:"date"`
		Head struct {
			FunctionName string `json:"functionName"`
			ID           int    `json:"id"`
			Children     []struct {
				FunctionName string            `json:"functionName"`
				Children     []json.RawMessage `json:"children"`
			} `json:"children"`
		} `json:"head"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Date != 1700000005000 {
		t.Errorf("date = %d", decoded.Date)
	}
	if decoded.Head.FunctionName != RootName || decoded.Head.ID != 1 {
		t.Errorf("head = %+v", decoded.Head)
	}
	if len(decoded.Head.Children) != 1 || len(decoded.Head.Children[0].Children) != 2 {
		t.Errorf("unexpected shape: %s", data)
	}
	if !strings.Contains(string(data), `"children":[]`) {
		t.Errorf("leaf children should encode as empty arrays: %s", data)
	}
}

func TestPProf(t *testing.T) {
	tree := buildTree()

	data, err := PProf(tree, int64(10*time.Millisecond))
	if err != nil {
		t.Fatalf("PProf: %v", err)
	}
	prof, err := pprofProfile.Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse pprof: %v", err)
	}
	if len(prof.Sample) != 3 {
		t.Fatalf("samples = %d, want 3", len(prof.Sample))
	}
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
		leaf := s.Location[0].Line[0].Function.Name
		root := s.Location[len(s.Location)-1].Line[0].Function.Name
		if root != "main" {
			t.Errorf("sample rooted at %q, want main", root)
		}
		if leaf == "parse" && s.Value[1] != 2*int64(10*time.Millisecond) {
			t.Errorf("parse cpu = %d", s.Value[1])
		}
	}
	if total != 4 {
		t.Errorf("total samples = %d, want 4", total)
	}
	if len(prof.Function) != 3 {
		t.Errorf("functions = %d, want 3", len(prof.Function))
	}
}
