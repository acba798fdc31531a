// Package drift classifies the differences between a baseline fingerprint
// collection and a freshly computed one.
package drift

import (
	"encoding/json"
	"fmt"

	"github.com/schaermu/driftwatch/internal/fingerprint"
)

// Kind is the classification of a single drift record.
type Kind int

const (
	// New marks a path present now but absent from the baseline.
	New Kind = iota + 1

	// Changed marks a path whose digest differs from the baseline.
	Changed

	// Deleted marks a baseline path that no longer exists.
	Deleted
)

// Kinds lists every kind in report order.
var Kinds = []Kind{New, Changed, Deleted}

// String returns the label used in reports and logs.
func (k Kind) String() string {
	switch k {
	case New:
		return "New"
	case Changed:
		return "Changed"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Record is one detected discrepancy.
type Record struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Path)
}

// Report is the ordered outcome of a comparison. An empty report means no
// drift was detected.
type Report []Record

// HasDrift reports whether any record was emitted.
func (r Report) HasDrift() bool {
	return len(r) > 0
}

// Count returns the number of records of the given kind.
func (r Report) Count(kind Kind) int {
	n := 0
	for _, rec := range r {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

// Lines renders every record as "Kind: path".
func (r Report) Lines() []string {
	lines := make([]string, 0, len(r))
	for _, rec := range r {
		lines = append(lines, rec.String())
	}
	return lines
}

// MarshalJSON always encodes a list, even for an empty report.
func (r Report) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Record(r))
}

// Compare classifies every path of baseline and current.
//
// New and Changed records follow current's order, Deleted records follow
// baseline's order and come last. Paths with equal digests on both sides
// produce nothing. Compare has no side effects.
func Compare(baseline, current fingerprint.Collection) Report {
	var report Report

	prev := baseline.Index()
	for _, fp := range current {
		digest, ok := prev[fp.Path]
		switch {
		case !ok:
			report = append(report, Record{Kind: New, Path: fp.Path})
		case digest != fp.Digest:
			report = append(report, Record{Kind: Changed, Path: fp.Path})
		}
	}

	now := current.Index()
	for _, fp := range baseline {
		if _, ok := now[fp.Path]; !ok {
			report = append(report, Record{Kind: Deleted, Path: fp.Path})
		}
	}

	return report
}
