// Package source reads regions and group membership from local files.
package source

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/okian/geopresence/internal/domain/geo"
	"github.com/okian/geopresence/internal/domain/model"
)

type regionDoc struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	RadiusM float64 `yaml:"radius_m"`
}

type regionsFile struct {
	Regions []regionDoc `yaml:"regions"`
}

// RegionFile is a region.Source backed by a YAML (or JSON) file. The file is
// read on every call so edits are picked up by the next reload.
type RegionFile struct {
	path string
}

// NewRegionFile returns a source reading path.
func NewRegionFile(path string) *RegionFile {
	return &RegionFile{path: path}
}

// GetRegions reads and parses the file.
func (f *RegionFile) GetRegions(ctx context.Context) ([]model.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	return ParseRegions(raw)
}

// ParseRegions decodes a regions document.
func ParseRegions(raw []byte) ([]model.Region, error) {
	var doc regionsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse regions: %w", err)
	}
	out := make([]model.Region, 0, len(doc.Regions))
	for _, r := range doc.Regions {
		out = append(out, model.Region{
			ID:           r.ID,
			Center:       geo.Point{Lat: r.Lat, Lon: r.Lon},
			RadiusMeters: r.RadiusM,
			DisplayName:  r.Name,
		})
	}
	return out, nil
}
