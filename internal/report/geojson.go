package report

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/gml"
)

// FeatureCollection is the GeoJSON document embedded in the map.
type FeatureCollection struct {
	Type     string       `json:"type"`
	Features []GeoFeature `json:"features"`
}

// GeoFeature is a single GeoJSON Feature.
type GeoFeature struct {
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
	Geometry   Polygon    `json:"geometry"`
}

// Properties keeps the property names the map page scripts read.
type Properties struct {
	Ref       string  `json:"ref"`
	Tipo      string  `json:"tipo"`
	Nombre    string  `json:"nombre"`
	Color     string  `json:"color"`
	AreaM2    float64 `json:"area_m2"`
	Municipio string  `json:"municipio"`
}

// Polygon is a GeoJSON Polygon with a single exterior ring.
type Polygon struct {
	Type        string                `json:"type"`
	Coordinates [][]cadastre.Position `json:"coordinates"`
}

// ToFeatureCollection maps features one to one, closing any open ring.
func ToFeatureCollection(features []cadastre.Feature) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]GeoFeature, 0, len(features))}
	for _, f := range features {
		fc.Features = append(fc.Features, GeoFeature{
			Type: "Feature",
			Properties: Properties{
				Ref:       f.Identifier,
				Tipo:      f.Category,
				Nombre:    f.Label,
				Color:     f.ColorTag,
				AreaM2:    f.AreaSquareMeters,
				Municipio: f.AdministrativeArea,
			},
			Geometry: Polygon{
				Type:        "Polygon",
				Coordinates: [][]cadastre.Position{gml.CloseRing(f.Boundary)},
			},
		})
	}
	return fc
}

// MarshalGeoJSON encodes the report's features as a FeatureCollection.
func MarshalGeoJSON(r cadastre.RunReport) ([]byte, error) {
	data, err := json.Marshal(ToFeatureCollection(r.Features))
	if err != nil {
		return nil, fmt.Errorf("marshal feature collection: %w", err)
	}
	return data, nil
}
