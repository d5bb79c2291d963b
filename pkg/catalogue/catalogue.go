// Package catalogue queries the DIAS product catalogue for scene metadata.
//
// The API speaks GeoJSON feature collections with resto-style query
// parameters. Result counts advertised by the API are unreliable, so
// pagination follows next links until they stop appearing and every lookup
// de-duplicates by product title.
package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
)

// Doer issues HTTP requests. The default is a retrying, rate-limited,
// circuit-broken transport over http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UnavailableError reports a catalogue that could not be reached after the
// transport gave up. ProbeURL is a request operators can replay by hand.
type UnavailableError struct {
	ProbeURL string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("catalogue unavailable (probe %s): %v", e.ProbeURL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Config configures the catalogue client.
type Config struct {
	// BaseURL is the API root, e.g. https://finder.creodias.eu/resto.
	BaseURL string

	// Collection is the satellite collection name, e.g. Sentinel2.
	Collection string

	// PageSize bounds maxRecords per request. Defaults to 200.
	PageSize int

	// InfoConcurrency bounds parallel per-product lookups. Defaults to 8.
	InfoConcurrency int

	// Transport overrides the default retrying transport.
	Transport Doer

	// RequestsPerSecond throttles the default transport. Defaults to 2.
	RequestsPerSecond float64

	Logger *zap.Logger
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		PageSize:          200,
		InfoConcurrency:   8,
		RequestsPerSecond: 2,
	}
}

// Client queries one catalogue collection.
type Client struct {
	cfg Config
	do  Doer
	log *zap.Logger
}

// New creates a client, backfilling defaults from DefaultConfig.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalogue base url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("catalogue collection is required")
	}
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.InfoConcurrency <= 0 {
		cfg.InfoConcurrency = def.InfoConcurrency
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(TransportConfig{
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            cfg.Logger,
		})
	}
	return &Client{cfg: cfg, do: cfg.Transport, log: cfg.Logger}, nil
}

// Query selects products. Start/Stop bound sensing time; exactly one of
// TileID, GeometryWKT or ProductIdentifier narrows the spatial or identity
// dimension, or none for a pure time query.
type Query struct {
	Start             time.Time
	Stop              time.Time
	TileID            string
	GeometryWKT       string
	ProductType       string
	ProductIdentifier string
}

// Search pages through all products matching q, keyed by title.
func (c *Client) Search(ctx context.Context, q Query) (map[string]Metadata, error) {
	pageURL, err := c.searchURL(q)
	if err != nil {
		return nil, err
	}

	found := make(map[string]Metadata)
	for pageURL != "" {
		fc, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			md := metadataOf(f)
			if md.Title == "" {
				continue
			}
			if q.TileID != "" && !titleOnTile(md.Title, q.TileID) {
				continue
			}
			found[md.Title] = md
		}
		pageURL = fc.next()
	}
	return found, nil
}

// GetInfo looks up products by identifier with bounded concurrency.
// Products the catalogue does not know are absent from the result, not an
// error.
func (c *Client) GetInfo(ctx context.Context, ids []string) (map[string]Metadata, error) {
	results := make([]map[string]Metadata, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InfoConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			md, err := c.Search(gctx, Query{ProductIdentifier: id})
			if err != nil {
				return err
			}
			results[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]Metadata)
	for _, m := range results {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

func (c *Client) searchURL(q Query) (string, error) {
	v := url.Values{}
	v.Set("maxRecords", strconv.Itoa(c.cfg.PageSize))
	v.Set("status", "all")
	v.Set("dataset", "ESA-DATASET")
	v.Set("sortParam", "startDate")
	v.Set("sortOrder", "ascending")
	if !q.Start.IsZero() {
		v.Set("startDate", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.Stop.IsZero() {
		v.Set("completionDate", q.Stop.UTC().Format(time.RFC3339))
	}
	if q.ProductType != "" {
		v.Set("productType", q.ProductType)
	}
	if q.GeometryWKT != "" {
		v.Set("geometry", q.GeometryWKT)
	}
	if q.ProductIdentifier != "" {
		v.Set("productIdentifier", "%"+q.ProductIdentifier+"%")
	}
	// Tile narrowing happens by post-filter on the title: the API's tile
	// parameter is not implemented on every deployment.
	return fmt.Sprintf("%s/api/collections/%s/search.json?%s",
		c.cfg.BaseURL, c.cfg.Collection, v.Encode()), nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*featureCollection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do.Do(req)
	if err != nil {
		return nil, &UnavailableError{ProbeURL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{ProbeURL: pageURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{ProbeURL: pageURL, Err: err}
	}
	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, &UnavailableError{ProbeURL: pageURL, Err: fmt.Errorf("decode page: %w", err)}
	}
	return &fc, nil
}

// titleOnTile reports whether the product title carries the given MGRS
// tile. Unparseable titles never match.
func titleOnTile(title, tileID string) bool {
	id, err := ident.Parse(title)
	if err != nil {
		return false
	}
	want := tileID
	if len(want) > 0 && want[0] == 'T' {
		want = want[1:]
	}
	return id.Tile == want
}

// wktOfGeometry renders a GeoJSON geometry as WKT; malformed or absent
// geometries yield the empty string.
func wktOfGeometry(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return ""
	}
	return wkt.MarshalString(g.Geometry())
}
