// Package ident implements parsing and validation of HR-S&I product
// identifiers.
//
// Identifiers cover both upstream satellite inputs (Sentinel-2 L1C/L2A,
// Sentinel-1 GRD) and generated products (FSC, RLIE, GFSC, ARLIE, SWS, WDS).
// Parsing is strict: field counts, character sets and timestamp layouts are
// validated exactly, and String() reconstructs the original raw identifier
// byte for byte.
package ident

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the product family an identifier belongs to.
type Kind string

const (
	KindS2L1C Kind = "S2_L1C"
	KindS2L2A Kind = "S2_L2A"
	KindS1GRD Kind = "S1_GRD"
	KindFSC   Kind = "FSC"
	KindRLIE  Kind = "RLIE"
	KindGFSC  Kind = "GFSC"
	KindARLIE Kind = "ARLIE"
	KindSWS   Kind = "SWS"
	KindWDS   Kind = "WDS"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// SAFE reports whether products of this kind are distributed as .SAFE
// archives.
func (k Kind) SAFE() bool {
	switch k {
	case KindS2L1C, KindS2L2A, KindS1GRD:
		return true
	}
	return false
}

// TimestampLayout is the layout of embedded sensing and publication
// timestamps. All timestamps are UTC.
const TimestampLayout = "20060102T150405"

// DateLayout is the date-only layout used by GFSC identifiers.
const DateLayout = "20060102"

// Satellites allowed in generated product identifiers.
var productSatellites = map[string]bool{
	"S1A":   true,
	"S1B":   true,
	"S2A":   true,
	"S2B":   true,
	"S1-S2": true,
}

// ID is a parsed product identifier.
//
// Not every field is populated for every kind: input products (L1C, L2A, GRD)
// carry mission-specific fields, generated products carry version and mode.
type ID struct {
	Kind Kind

	// Satellite is the platform tag: S1A, S1B, S2A, S2B or S1-S2 for
	// fused products.
	Satellite string

	// Sensing is the acquisition start timestamp (date-only for GFSC).
	Sensing time.Time

	// SensingStop is the acquisition stop timestamp (S1 GRD only).
	SensingStop time.Time

	// Published is the publication timestamp (S2 L1C/L2A only).
	Published time.Time

	// Tile is the 5-character MGRS code without the leading T.
	// Empty for S1 GRD, whose footprint spans several tiles.
	Tile string

	// Baseline and RelativeOrbit are the Nxxxx / Rxxx fields of S2 inputs.
	Baseline      string
	RelativeOrbit string

	// AbsoluteOrbit, TakeID and CRC are the trailing fields of S1 GRD.
	AbsoluteOrbit string
	TakeID        string
	CRC           string

	// Version is the numeric product version (Vxxx), generated kinds only.
	Version int

	// Mode is the single-digit trailing field of generated products.
	// For GFSC it is the epoch digit.
	Mode string

	// PeriodDays is the aggregation period of GFSC products.
	PeriodDays int
}

// String reconstructs the canonical raw identifier.
func (id ID) String() string {
	switch id.Kind {
	case KindS2L1C, KindS2L2A:
		level := "MSIL1C"
		if id.Kind == KindS2L2A {
			level = "MSIL2A"
		}
		return fmt.Sprintf("%s_%s_%s_%s_%s_T%s_%s",
			id.Satellite, level,
			id.Sensing.Format(TimestampLayout),
			id.Baseline, id.RelativeOrbit, id.Tile,
			id.Published.Format(TimestampLayout))
	case KindS1GRD:
		return fmt.Sprintf("%s_IW_GRDH_1SDV_%s_%s_%s_%s_%s",
			id.Satellite,
			id.Sensing.Format(TimestampLayout),
			id.SensingStop.Format(TimestampLayout),
			id.AbsoluteOrbit, id.TakeID, id.CRC)
	case KindGFSC:
		return fmt.Sprintf("GFSC_%s-%dday_%s_T%s_V%03d_%s",
			id.Sensing.Format(DateLayout), id.PeriodDays,
			id.Satellite, id.Tile, id.Version, id.Mode)
	default:
		return fmt.Sprintf("%s_%s_%s_T%s_V%03d_%s",
			id.Kind,
			id.Sensing.Format(TimestampLayout),
			id.Satellite, id.Tile, id.Version, id.Mode)
	}
}

// TileID returns the MGRS code with the leading T, or the empty string when
// the identifier carries no tile.
func (id ID) TileID() string {
	if id.Tile == "" {
		return ""
	}
	return "T" + id.Tile
}

// DayBucket returns the (year, month, day) of the sensing timestamp, used
// for time-partitioned storage layout.
func (id ID) DayBucket() (year int, month time.Month, day int) {
	return id.Sensing.Date()
}

// Later picks the winning identifier when two product versions exist for the
// same (tile, sensing day): highest numeric version, then latest publication
// timestamp, then latest sensing timestamp.
func Later(a, b ID) ID {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if !a.Published.Equal(b.Published) {
		if a.Published.After(b.Published) {
			return a
		}
		return b
	}
	if a.Sensing.After(b.Sensing) {
		return a
	}
	return b
}

// isMGRS reports whether s is a 5-character MGRS tile code (digits and
// uppercase letters, starting with two digits).
func isMGRS(s string) bool {
	if len(s) != 5 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
			if i < 2 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isDigits reports whether s is non-empty and all ASCII digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isUpperHex reports whether s is non-empty uppercase hexadecimal.
func isUpperHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func parseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func splitFields(raw string, want int) ([]string, error) {
	fields := strings.Split(raw, "_")
	if len(fields) != want {
		return nil, fmt.Errorf("expected %d underscore-joined fields, got %d", want, len(fields))
	}
	return fields, nil
}
