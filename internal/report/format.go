package report

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// HectareThreshold is the area from which FormatArea switches to hectares.
const HectareThreshold = 10000.0

var printer = message.NewPrinter(language.Spanish)

// FormatArea renders an area for display: hectares with two decimals from
// HectareThreshold up, whole square meters below it.
func FormatArea(squareMeters float64) string {
	if squareMeters >= HectareThreshold {
		return printer.Sprintf("%.2f ha", squareMeters/HectareThreshold)
	}
	return printer.Sprintf("%d m²", int64(math.Round(squareMeters)))
}
