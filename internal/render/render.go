// Package render produces the self-contained HTML map for a run.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/report"
)

// DefaultClient names the map when no client is given.
const DefaultClient = "Cliente"

//go:embed templates/map.html.tmpl
var templateFS embed.FS

var mapTemplate = template.Must(template.ParseFS(templateFS, "templates/map.html.tmpl"))

// Category summarizes the resolved area for one parcel category.
type Category struct {
	Name  string
	Color string
	Area  string
}

// Page is the data bound to the map template.
type Page struct {
	Title       string
	Client      string
	Date        string
	ParcelCount int
	TotalArea   string
	Categories  []Category
	Failures    []string
	Collection  report.FeatureCollection
	// AreaLabels maps identifier to its formatted area for popups.
	AreaLabels map[string]string
}

// NewPage prepares the template data for rep.
func NewPage(client string, rep cadastre.RunReport, now time.Time) Page {
	client = clientName(client)
	page := Page{
		Title:       "Mapa de Fincas - " + client,
		Client:      client,
		Date:        now.Format("02/01/2006"),
		ParcelCount: len(rep.Features),
		TotalArea:   report.FormatArea(rep.TotalArea()),
		Collection:  report.ToFeatureCollection(rep.Features),
		AreaLabels:  make(map[string]string, len(rep.Features)),
		Failures:    make([]string, 0, len(rep.Failures)),
	}
	for _, f := range rep.Features {
		page.AreaLabels[f.Identifier] = report.FormatArea(f.AreaSquareMeters)
	}
	for _, f := range rep.Failures {
		page.Failures = append(page.Failures, f.String())
	}
	page.Categories = categories(rep.Features)
	return page
}

// Render writes the HTML page to w.
func Render(w io.Writer, page Page) error {
	if err := mapTemplate.Execute(w, page); err != nil {
		return fmt.Errorf("execute map template: %w", err)
	}
	return nil
}

// FileName returns the artifact name for client, e.g. "Mapa_Juan_Perez.html".
func FileName(client string) string {
	return baseName(client) + ".html"
}

// GeoJSONFileName returns the name of the FeatureCollection stored next to
// the HTML artifact.
func GeoJSONFileName(client string) string {
	return baseName(client) + ".geojson"
}

func baseName(client string) string {
	return "Mapa_" + strings.ReplaceAll(clientName(client), " ", "_")
}

func clientName(client string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		return DefaultClient
	}
	return client
}

// categories groups features by category, sorted by name. The colour of the
// first feature seen in a category represents it.
func categories(features []cadastre.Feature) []Category {
	areas := map[string]float64{}
	colors := map[string]string{}
	for _, f := range features {
		if _, ok := colors[f.Category]; !ok {
			colors[f.Category] = f.ColorTag
		}
		areas[f.Category] += f.AreaSquareMeters
	}
	names := make([]string, 0, len(areas))
	for name := range areas {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Category, 0, len(names))
	for _, name := range names {
		out = append(out, Category{Name: name, Color: colors[name], Area: report.FormatArea(areas[name])})
	}
	return out
}
