// Package gml decodes the registry's GML 3.2 / INSPIRE cadastral parcel
// payload into a cadastre.GeometryResult.
package gml

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

// Namespaces used by the registry response.
const (
	NamespaceGML = "http://www.opengis.net/gml/3.2"
	NamespaceCP  = "http://inspire.ec.europa.eu/schemas/cp/4.0"
	NamespaceGN  = "http://inspire.ec.europa.eu/schemas/gn/4.0"
)

// MinRingPositions is the smallest closed ring: three corners plus closure.
const MinRingPositions = 4

var namespaces = map[string]string{
	"gml": NamespaceGML,
	"cp":  NamespaceCP,
	"gn":  NamespaceGN,
}

var (
	areaExpr    = mustCompile("//cp:areaValue")
	nameExpr    = mustCompile("//gn:text")
	posListExpr = mustCompile("//gml:posList")
)

// ErrOddCoordinates is returned when the position list cannot be read pairwise.
var ErrOddCoordinates = errors.New("position list has an odd number of coordinates")

func mustCompile(expr string) *xpath.Expr {
	compiled, err := xpath.CompileWithNS(expr, namespaces)
	if err != nil {
		panic(fmt.Sprintf("compile xpath %q: %v", expr, err))
	}
	return compiled
}

// Parse decodes a registry response. It never returns a network failure kind.
//
// A missing area defaults to 0 and a missing geographical name to
// cadastre.UnknownAdministrativeArea. A missing or empty position list is
// KindGeometryMissing; anything malformed is KindParseFailure.
func Parse(body []byte) cadastre.GeometryResult {
	if len(bytes.TrimSpace(body)) == 0 {
		return parseFailure(errors.New("empty response body"))
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return parseFailure(fmt.Errorf("decode xml: %w", err))
	}
	if !hasRootElement(doc) {
		return parseFailure(errors.New("response has no root element"))
	}

	area := 0.0
	if node := xmlquery.QuerySelector(doc, areaExpr); node != nil {
		area, err = parseArea(node.InnerText())
		if err != nil {
			return parseFailure(err)
		}
	}

	adminArea := cadastre.UnknownAdministrativeArea
	if node := xmlquery.QuerySelector(doc, nameExpr); node != nil {
		if text := strings.TrimSpace(node.InnerText()); text != "" {
			adminArea = text
		}
	}

	posList := xmlquery.QuerySelector(doc, posListExpr)
	if posList == nil {
		return geometryMissing(adminArea, "no position list on record")
	}
	tokens := strings.Fields(posList.InnerText())
	if len(tokens) == 0 {
		return geometryMissing(adminArea, "position list is empty")
	}

	values, err := parseFloats(tokens)
	if err != nil {
		return parseFailure(err)
	}
	ring, err := SwapPairs(values)
	if err != nil {
		return parseFailure(err)
	}
	ring = CloseRing(ring)
	if len(ring) < MinRingPositions {
		return parseFailure(fmt.Errorf("ring has %d position(s), need at least %d", len(ring), MinRingPositions))
	}

	return cadastre.GeometryResult{
		Kind:               cadastre.KindResolved,
		Boundary:           ring,
		AreaSquareMeters:   area,
		AdministrativeArea: adminArea,
	}
}

// SwapPairs reads a flat (latitude, longitude) sequence pairwise and returns
// (longitude, latitude) positions in the same order.
func SwapPairs(values []float64) ([]cadastre.Position, error) {
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrOddCoordinates, len(values))
	}
	out := make([]cadastre.Position, 0, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		lat, lon := values[i], values[i+1]
		out = append(out, cadastre.Position{lon, lat})
	}
	return out, nil
}

// CloseRing appends the first position when the ring is not already closed.
// The input is not modified.
func CloseRing(ring []cadastre.Position) []cadastre.Position {
	if len(ring) == 0 || (len(ring) > 1 && ring[0] == ring[len(ring)-1]) {
		return ring
	}
	closed := make([]cadastre.Position, len(ring), len(ring)+1)
	copy(closed, ring)
	return append(closed, ring[0])
}

func parseArea(text string) (float64, error) {
	text = strings.TrimSpace(text)
	area, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse area value %q: %w", text, err)
	}
	if math.IsNaN(area) || math.IsInf(area, 0) || area < 0 {
		return 0, fmt.Errorf("area value %q is not a non-negative number", text)
	}
	return area, nil
}

func parseFloats(tokens []string) ([]float64, error) {
	values := make([]float64, 0, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("parse coordinate %d %q: %w", i, tok, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("coordinate %d %q is not finite", i, tok)
		}
		values = append(values, v)
	}
	return values, nil
}

func hasRootElement(doc *xmlquery.Node) bool {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}

func parseFailure(err error) cadastre.GeometryResult {
	return cadastre.GeometryResult{
		Kind:   cadastre.KindParseFailure,
		Detail: err.Error(),
	}
}

func geometryMissing(adminArea, detail string) cadastre.GeometryResult {
	return cadastre.GeometryResult{
		Kind:               cadastre.KindGeometryMissing,
		AdministrativeArea: adminArea,
		Detail:             detail,
	}
}
