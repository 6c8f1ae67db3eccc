package pipeline

import (
	"context"
	"time"

	"dimroute/internal/apperr"
	"dimroute/internal/leafindex"
)

// DimensionValues lists the values a dimension may be filtered on.
type DimensionValues struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// StatsReport describes the published state of a dataset.
type StatsReport struct {
	DatasetID      string          `json:"dataset_id"`
	Version        string          `json:"version"`
	BuiltAt        time.Time       `json:"built_at"`
	Dims           []string        `json:"dims"`
	Metrics        []string        `json:"metrics,omitempty"`
	DroppedDims    []string        `json:"dropped_dims,omitempty"`
	DroppedMetrics []string        `json:"dropped_metrics,omitempty"`
	FullCombos     int             `json:"full_combos"`
	Stats          leafindex.Stats `json:"stats"`
	TableReady     bool            `json:"table_ready"`
	Table          string          `json:"table,omitempty"`
}

// Summary is one entry of List.
type Summary struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Dimensions  []string  `json:"dimensions"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     string    `json:"version,omitempty"`
	Processed   bool      `json:"processed"`
	TableReady  bool      `json:"table_ready"`
}

func (s *Service) snapshot(ctx context.Context, id string) (*Snapshot, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	snap := s.Current(id)
	if snap == nil {
		return nil, apperr.New(apperr.ValidationMissing, "dataset %s has not been processed", id)
	}
	return snap, nil
}

// Taxonomy returns the rendered outline of id.
func (s *Service) Taxonomy(ctx context.Context, id string) (string, error) {
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.Bundle.Taxonomy, nil
}

// Dimensions returns the sorted allowed values of each dimension of id, in dimension
// order.
func (s *Service) Dimensions(ctx context.Context, id string) ([]DimensionValues, error) {
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	vs := snap.Bundle.ValidSet
	out := make([]DimensionValues, 0, vs.Depth())
	for _, d := range vs.Dims() {
		out = append(out, DimensionValues{Name: d, Values: vs.Values(d)})
	}
	return out, nil
}

// Stats reports the build statistics of id.
func (s *Service) Stats(ctx context.Context, id string) (*StatsReport, error) {
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	m := snap.Bundle.Manifest
	r := &StatsReport{
		DatasetID:      id,
		Version:        snap.Version,
		BuiltAt:        snap.BuiltAt,
		Dims:           m.Dims,
		Metrics:        m.Metrics,
		DroppedDims:    m.DroppedDims,
		DroppedMetrics: m.DroppedMetrics,
		FullCombos:     snap.Bundle.ValidSet.FullCombos(),
		Stats:          snap.Bundle.Index.Stats,
	}
	if snap.Table != nil && !snap.Table.Dropped() {
		r.TableReady = true
		r.Table = snap.Table.Table
	}
	return r, nil
}

// List summarizes every registered dataset, ordered by ID.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	recs, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		sum := Summary{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			Dimensions:  rec.Config.Dimensions,
			UpdatedAt:   rec.UpdatedAt,
		}
		if snap := s.Current(rec.ID); snap != nil {
			sum.Version = snap.Version
			sum.Processed = true
			sum.TableReady = snap.Table != nil && !snap.Table.Dropped()
		}
		out = append(out, sum)
	}
	return out, nil
}
