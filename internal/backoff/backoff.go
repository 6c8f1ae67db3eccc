// Package backoff maps a caller's raw filter request onto the nearest dimension-value
// combination that occurs in the data.
package backoff

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"dimroute/internal/normalize"
	"dimroute/internal/validset"
)

// DefaultMinMandatoryDepth is the number of leading dimensions a request must constrain.
const DefaultMinMandatoryDepth = 2

// Backoff levels and reasons reported in Diagnostics.
const (
	LevelExact = "exact"

	ReasonBackoffDropTail = "backoff_drop_tail"
	ReasonNoValidCombo    = "no_valid_combo"
	ReasonNoDimensions    = "no_dimensions"
)

// CountCombosFull is the Diagnostics.Counts key for the number of full combinations.
const CountCombosFull = "combos_full"

// InvalidReason is the rejection reason for a mandatory dimension with no valid candidate.
func InvalidReason(dim string) string {
	return "invalid_" + dim
}

// DepthLevel is the backoff level for a resolution that kept the first n dimensions.
func DepthLevel(n int) string {
	return "depth_" + strconv.Itoa(n)
}

// Diagnostics explains how a request was resolved.
type Diagnostics struct {
	Requested           map[string][]string `json:"requested"`
	CanonicalCandidates map[string][]string `json:"canonical_candidates"`
	Used                map[string][]string `json:"used"`
	BackoffLevel        string              `json:"backoff_level,omitempty"`
	Reason              string              `json:"reason,omitempty"`
	Counts              map[string]int64    `json:"counts"`
	// Ignored lists request keys that are not dimensions of the dataset.
	Ignored []string `json:"ignored,omitempty"`
}

// Resolution is the outcome of resolving one request.
type Resolution struct {
	Accepted    bool
	Filters     map[string]string
	Diagnostics Diagnostics
}

// QueryFilters returns the accepted filters in the form the query executor takes.
func (r *Resolution) QueryFilters() map[string][]string {
	out := make(map[string][]string, len(r.Filters))
	for dim, v := range r.Filters {
		out[dim] = []string{v}
	}
	return out
}

// Resolver resolves filter requests against a valid set.
type Resolver struct {
	// MinMandatoryDepth is how many leading dimensions need at least one valid candidate.
	// It is clamped to the number of dimensions; 0 disables the check.
	MinMandatoryDepth int
}

// NewResolver returns a resolver with the given mandatory depth.
func NewResolver(minMandatoryDepth int) *Resolver {
	return &Resolver{MinMandatoryDepth: max(minMandatoryDepth, 0)}
}

// Resolve canonicalizes filters against vs and backs off to the deepest prefix of the
// chosen values that occurs in the data. Rejections are reported through
// Resolution.Accepted and Diagnostics.Reason; Resolve never fails.
//
// For every dimension the first candidate that canonicalizes to a known value is chosen.
// Dimensions left without a candidate end the usable prefix.
func (r *Resolver) Resolve(filters map[string][]string, vs *validset.ValidSet) Resolution {
	dims := vs.Dims()
	diag := Diagnostics{
		Requested:           make(map[string][]string, len(dims)),
		CanonicalCandidates: make(map[string][]string, len(dims)),
		Used:                map[string][]string{},
		Counts:              map[string]int64{CountCombosFull: int64(vs.FullCombos())},
	}
	for _, d := range dims {
		diag.Requested[d] = []string{}
		diag.CanonicalCandidates[d] = []string{}
	}

	keys := slices.Sorted(maps.Keys(filters))
	for _, key := range keys {
		dim := normalize.Column(key)
		if !vs.IsDim(dim) {
			diag.Ignored = append(diag.Ignored, key)
			continue
		}
		for _, raw := range filters[key] {
			diag.Requested[dim] = append(diag.Requested[dim], raw)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if v := normalize.Value(raw); vs.Contains(dim, v) {
				diag.CanonicalCandidates[dim] = append(diag.CanonicalCandidates[dim], v)
			}
		}
	}

	reject := func(reason string) Resolution {
		diag.Reason = reason
		return Resolution{Filters: map[string]string{}, Diagnostics: diag}
	}

	if len(dims) == 0 {
		return reject(ReasonNoDimensions)
	}

	gate := min(max(r.MinMandatoryDepth, 0), len(dims))
	for _, d := range dims[:gate] {
		if len(diag.CanonicalCandidates[d]) == 0 {
			return reject(InvalidReason(d))
		}
	}

	// chosen is cut at the first dimension without a candidate.
	chosen := make([]string, 0, len(dims))
	for _, d := range dims {
		candidates := diag.CanonicalCandidates[d]
		if len(candidates) == 0 {
			break
		}
		chosen = append(chosen, candidates[0])
	}

	accept := func(n int, level, reason string) Resolution {
		res := Resolution{Accepted: true, Filters: make(map[string]string, n)}
		diag.Used = make(map[string][]string, n)
		for i, v := range chosen[:n] {
			res.Filters[dims[i]] = v
			diag.Used[dims[i]] = []string{v}
		}
		diag.BackoffLevel = level
		diag.Reason = reason
		res.Diagnostics = diag
		return res
	}

	if len(chosen) == len(dims) && vs.HasPrefix(chosen) {
		return accept(len(dims), LevelExact, "")
	}
	for n := len(chosen); n > 0; n-- {
		if vs.HasPrefix(chosen[:n]) {
			return accept(n, DepthLevel(n), ReasonBackoffDropTail)
		}
	}
	return reject(ReasonNoValidCombo)
}
