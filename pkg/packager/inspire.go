package packager

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Placeholder tags substituted into the inspire XML template.
const (
	PhProductID        = "[PRODUCT_ID]"
	PhProductionDate   = "[PRODUCTION_DATE]"
	PhAcquisitionStart = "[ACQUISITION_START]"
	PhAcquisitionStop  = "[ACQUISITION_STOP]"
	PhWestBound        = "[WEST_BOUND]"
	PhEastBound        = "[EAST_BOUND]"
	PhNorthBound       = "[NORTH_BOUND]"
	PhSouthBound       = "[SOUTH_BOUND]"
	PhCloudCover       = "[CLOUD_COVER]"
	PhResolution       = "[RESOLUTION]"
)

var placeholderPattern = regexp.MustCompile(`\[[A-Z_]+\]`)

// defaultInspireTemplate is used when a product type ships no template of
// its own.
const defaultInspireTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<gmd:MD_Metadata xmlns:gmd="http://www.isotc211.org/2005/gmd" xmlns:gco="http://www.isotc211.org/2005/gco">
  <gmd:fileIdentifier><gco:CharacterString>[PRODUCT_ID]</gco:CharacterString></gmd:fileIdentifier>
  <gmd:dateStamp><gco:DateTime>[PRODUCTION_DATE]</gco:DateTime></gmd:dateStamp>
  <gmd:identificationInfo>
    <gmd:extent>
      <gmd:EX_GeographicBoundingBox>
        <gmd:westBoundLongitude><gco:Decimal>[WEST_BOUND]</gco:Decimal></gmd:westBoundLongitude>
        <gmd:eastBoundLongitude><gco:Decimal>[EAST_BOUND]</gco:Decimal></gmd:eastBoundLongitude>
        <gmd:southBoundLatitude><gco:Decimal>[SOUTH_BOUND]</gco:Decimal></gmd:southBoundLatitude>
        <gmd:northBoundLatitude><gco:Decimal>[NORTH_BOUND]</gco:Decimal></gmd:northBoundLatitude>
      </gmd:EX_GeographicBoundingBox>
      <gmd:temporalElement>
        <gmd:begin><gco:DateTime>[ACQUISITION_START]</gco:DateTime></gmd:begin>
        <gmd:end><gco:DateTime>[ACQUISITION_STOP]</gco:DateTime></gmd:end>
      </gmd:temporalElement>
    </gmd:extent>
    <gmd:cloudCoverPercentage><gco:Decimal>[CLOUD_COVER]</gco:Decimal></gmd:cloudCoverPercentage>
    <gmd:spatialResolution><gco:Distance uom="m">[RESOLUTION]</gco:Distance></gmd:spatialResolution>
  </gmd:identificationInfo>
</gmd:MD_Metadata>
`

// RenderInspire substitutes every placeholder of the template from info.
// A placeholder left unsubstituted is an error: a half-filled metadata
// document must never ship.
func RenderInspire(template string, info ProductInfo) (string, error) {
	if template == "" {
		template = defaultInspireTemplate
	}
	west, south, east, north := info.WGS84Bounds()
	repl := strings.NewReplacer(
		PhProductID, info.ProductID,
		PhProductionDate, msTime(info.ProductionDate),
		PhAcquisitionStart, msTime(info.SensingStart),
		PhAcquisitionStop, msTime(info.SensingStop),
		PhWestBound, fmt.Sprintf("%.6f", west),
		PhEastBound, fmt.Sprintf("%.6f", east),
		PhSouthBound, fmt.Sprintf("%.6f", south),
		PhNorthBound, fmt.Sprintf("%.6f", north),
		PhCloudCover, fmt.Sprintf("%d", info.CloudCoverPct),
		PhResolution, fmt.Sprintf("%d", info.ResolutionM),
	)
	out := repl.Replace(template)
	if left := placeholderPattern.FindString(out); left != "" {
		return "", fmt.Errorf("inspire template placeholder %s not substituted", left)
	}
	return out, nil
}

// WriteInspire renders and writes `{productID}_MTD.xml` into dir.
func WriteInspire(dir, template string, info ProductInfo) (string, error) {
	doc, err := RenderInspire(template, info)
	if err != nil {
		return "", err
	}
	path := dir + "/" + info.ProductID + "_MTD.xml"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		return "", fmt.Errorf("write inspire metadata: %w", err)
	}
	return path, nil
}

// msTime formats a timestamp with millisecond precision and Z suffix.
func msTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
