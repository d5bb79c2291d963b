package catalogue

import (
	"context"
	"sort"
	"time"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
)

// maxSearchWindows is the discontinuity budget: above this many separate
// sensing-time runs, per-product lookups beat window searches.
const maxSearchWindows = 5

// windowSlack pads reconstructed windows so boundary products are not lost
// to sub-second truncation in the id timestamps.
const windowSlack = time.Hour

// SearchByIDs fetches metadata for the given product identifiers. The
// sensing times embedded in the identifiers are reconstructed into search
// windows; when the ids cluster into few contiguous runs the client issues
// one window query per run, otherwise it falls back to per-id lookups.
// Products unknown to the catalogue are absent from the result.
func (c *Client) SearchByIDs(ctx context.Context, ids []string, productType string) (map[string]Metadata, error) {
	if len(ids) == 0 {
		return map[string]Metadata{}, nil
	}

	wanted := make(map[string]string, len(ids)) // canonical -> requested
	var times []time.Time
	var unparseable []string
	for _, id := range ids {
		parsed, err := ident.Parse(id)
		if err != nil {
			unparseable = append(unparseable, id)
			continue
		}
		wanted[parsed.String()] = id
		times = append(times, parsed.Sensing)
	}

	windows := sensingWindows(times)
	out := make(map[string]Metadata, len(ids))

	if len(windows) > 0 && len(windows) <= maxSearchWindows {
		for _, w := range windows {
			found, err := c.Search(ctx, Query{
				Start:       w[0].Add(-windowSlack),
				Stop:        w[1].Add(windowSlack),
				ProductType: productType,
			})
			if err != nil {
				return nil, err
			}
			for title, md := range found {
				if requested, ok := wanted[canonicalTitle(title)]; ok {
					out[requested] = md
				}
			}
		}
	}

	// Everything the window sweep missed, plus ids whose grammar we do
	// not know, goes through direct lookup.
	var leftovers []string
	for canonical, requested := range wanted {
		if _, ok := out[requested]; !ok {
			leftovers = append(leftovers, canonical)
		}
	}
	leftovers = append(leftovers, unparseable...)
	if len(windows) > maxSearchWindows {
		leftovers = leftovers[:0]
		for _, id := range ids {
			leftovers = append(leftovers, id)
		}
	}

	if len(leftovers) > 0 {
		found, err := c.GetInfo(ctx, leftovers)
		if err != nil {
			return nil, err
		}
		for title, md := range found {
			if requested, ok := wanted[canonicalTitle(title)]; ok {
				out[requested] = md
			} else {
				out[title] = md
			}
		}
	}
	return out, nil
}

// sensingWindows groups sorted sensing times into contiguous runs. Times
// within a day of each other share a run.
func sensingWindows(times []time.Time) [][2]time.Time {
	if len(times) == 0 {
		return nil
	}
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	const runGap = 24 * time.Hour
	var windows [][2]time.Time
	start, end := sorted[0], sorted[0]
	for _, ts := range sorted[1:] {
		if ts.Sub(end) > runGap {
			windows = append(windows, [2]time.Time{start, end})
			start = ts
		}
		end = ts
	}
	return append(windows, [2]time.Time{start, end})
}

// canonicalTitle normalises a catalogue title for comparison against a
// requested identifier. Titles that do not parse are compared verbatim.
func canonicalTitle(title string) string {
	parsed, err := ident.Parse(title)
	if err != nil {
		return title
	}
	return parsed.String()
}
