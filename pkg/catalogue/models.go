package catalogue

import (
	"encoding/json"
	"time"
)

// featureCollection is the GeoJSON page shape the DIAS resto API returns.
type featureCollection struct {
	Features []feature `json:"features"`
	Links    []link    `json:"links"`

	// Properties.totalResults is advertised by some deployments but is
	// unreliable under load; pagination only trusts the next link.
	Properties struct {
		TotalResults *int `json:"totalResults"`
	} `json:"properties"`
}

type feature struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties featureProps    `json:"properties"`
}

type featureProps struct {
	Title             string    `json:"title"`
	StartDate         time.Time `json:"startDate"`
	CompletionDate    time.Time `json:"completionDate"`
	Published         time.Time `json:"published"`
	Updated           time.Time `json:"updated"`
	ProductIdentifier string    `json:"productIdentifier"`
	ProductType       string    `json:"productType"`
	Platform          string    `json:"platform"`
	CloudCover        float64   `json:"cloudCover"`
	RelativeOrbit     int       `json:"relativeOrbitNumber"`
	Status            any       `json:"status"`
	Links             []link    `json:"links"`
	Services          struct {
		Download struct {
			URL  string `json:"url"`
			Size int64  `json:"size"`
		} `json:"download"`
	} `json:"services"`
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

func (fc featureCollection) next() string {
	for _, l := range fc.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// Metadata is the catalogue record the orchestration keeps per product.
type Metadata struct {
	Title             string
	StartDate         time.Time
	CompletionDate    time.Time
	Published         time.Time
	ProductIdentifier string
	ProductType       string
	Platform          string
	CloudCover        float64
	RelativeOrbit     int
	DownloadURL       string
	Size              int64
	GeometryWKT       string
}

func metadataOf(f feature) Metadata {
	return Metadata{
		Title:             f.Properties.Title,
		StartDate:         f.Properties.StartDate,
		CompletionDate:    f.Properties.CompletionDate,
		Published:         f.Properties.Published,
		ProductIdentifier: f.Properties.ProductIdentifier,
		ProductType:       f.Properties.ProductType,
		Platform:          f.Properties.Platform,
		CloudCover:        f.Properties.CloudCover,
		RelativeOrbit:     f.Properties.RelativeOrbit,
		DownloadURL:       f.Properties.Services.Download.URL,
		Size:              f.Properties.Services.Download.Size,
		GeometryWKT:       wktOfGeometry(f.Geometry),
	}
}
