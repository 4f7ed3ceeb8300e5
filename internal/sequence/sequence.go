// Package sequence parses and formats the state file's sequence pointer and
// derives the hierarchical publish path from it. It performs no I/O.
package sequence

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/oriys/osmdbt-worker/internal/joberr"
)

var numberPattern = regexp.MustCompile(`sequenceNumber=(\d+)`)

// Parse extracts the sequence number embedded in text. Any other content in
// text is opaque and irrelevant to parsing.
func Parse(text string) (uint64, error) {
	m := numberPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, joberr.Tag(joberr.KindInvalidState, "parse state file", fmt.Errorf("no sequenceNumber=<digits> substring found"))
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, joberr.Tag(joberr.KindInvalidState, "parse state file", err)
	}
	return n, nil
}

// Path is the three-component, zero-padded publish path derived from a
// sequence number.
type Path struct {
	Top  string
	Mid  string
	Leaf string
}

// PublishPath computes the (top, mid, leaf) triple for n, each zero-padded
// to 3 digits: top = floor(n/1e6), mid = floor((n mod 1e6)/1e3),
// leaf = n mod 1e3.
func PublishPath(n uint64) Path {
	top := n / 1_000_000
	mid := (n % 1_000_000) / 1_000
	leaf := n % 1_000
	return Path{
		Top:  fmt.Sprintf("%03d", top),
		Mid:  fmt.Sprintf("%03d", mid),
		Leaf: fmt.Sprintf("%03d", leaf),
	}
}

// String renders the path as a forward-slash joined "top/mid/leaf".
func (p Path) String() string {
	return p.Top + "/" + p.Mid + "/" + p.Leaf
}

// StateKey returns the object key for the per-sequence state snapshot.
func (p Path) StateKey() string {
	return p.String() + ".state.txt"
}

// DiffKey returns the object key for the per-sequence diff payload.
func (p Path) DiffKey() string {
	return p.String() + ".osc.gz"
}
