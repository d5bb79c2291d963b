package ident

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BadIdentifierError reports an identifier that failed to parse.
type BadIdentifierError struct {
	// Raw is the identifier as received.
	Raw string

	// Reason describes the validation failure.
	Reason string
}

// Error implements the error interface.
func (e *BadIdentifierError) Error() string {
	return fmt.Sprintf("bad identifier %q: %s", e.Raw, e.Reason)
}

// IsBadIdentifier reports whether err is a BadIdentifierError.
func IsBadIdentifier(err error) bool {
	var bad *BadIdentifierError
	return errors.As(err, &bad)
}

func badID(raw, format string, args ...any) error {
	return &BadIdentifierError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// Parse parses a raw product identifier, detecting its kind from the leading
// fields. A trailing .SAFE suffix is accepted and stripped.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, badID(raw, "empty identifier")
	}
	if strings.ContainsAny(raw, "/\\") {
		return ID{}, badID(raw, "identifier contains path separators")
	}
	name := strings.TrimSuffix(raw, ".SAFE")

	switch {
	case strings.HasPrefix(name, "S2A_MSIL1C_"), strings.HasPrefix(name, "S2B_MSIL1C_"):
		return parseS2(raw, name, KindS2L1C)
	case strings.HasPrefix(name, "S2A_MSIL2A_"), strings.HasPrefix(name, "S2B_MSIL2A_"):
		return parseS2(raw, name, KindS2L2A)
	case strings.HasPrefix(name, "S1A_IW_GRDH_"), strings.HasPrefix(name, "S1B_IW_GRDH_"):
		return parseS1GRD(raw, name)
	case strings.HasPrefix(name, "FSC_"):
		return parseProduct(raw, name, KindFSC)
	case strings.HasPrefix(name, "RLIE_"):
		return parseProduct(raw, name, KindRLIE)
	case strings.HasPrefix(name, "GFSC_"):
		return parseGFSC(raw, name)
	case strings.HasPrefix(name, "ARLIE_"):
		return parseProduct(raw, name, KindARLIE)
	case strings.HasPrefix(name, "SWS_"):
		return parseProduct(raw, name, KindSWS)
	case strings.HasPrefix(name, "WDS_"):
		return parseProduct(raw, name, KindWDS)
	}
	return ID{}, badID(raw, "unrecognised identifier prefix")
}

// ParseAs parses raw and additionally checks the parsed kind against want.
func ParseAs(raw string, want Kind) (ID, error) {
	id, err := Parse(raw)
	if err != nil {
		return ID{}, err
	}
	if id.Kind != want {
		return ID{}, badID(raw, "kind is %s, expected %s", id.Kind, want)
	}
	return id, nil
}

// Canonicalise strips any .SAFE suffix, validates the identifier, and
// returns it with the suffix re-appended when the kind requires it.
// The operation is idempotent.
func Canonicalise(raw string) (string, error) {
	id, err := Parse(raw)
	if err != nil {
		return "", err
	}
	s := id.String()
	if id.Kind.SAFE() {
		s += ".SAFE"
	}
	return s, nil
}

func parseS2(raw, name string, kind Kind) (ID, error) {
	fields, err := splitFields(name, 7)
	if err != nil {
		return ID{}, badID(raw, "%v", err)
	}
	sensing, err := parseTimestamp(fields[2])
	if err != nil {
		return ID{}, badID(raw, "sensing timestamp %q: %v", fields[2], err)
	}
	published, err := parseTimestamp(fields[6])
	if err != nil {
		return ID{}, badID(raw, "publication timestamp %q: %v", fields[6], err)
	}
	if len(fields[3]) != 5 || fields[3][0] != 'N' || !isDigits(fields[3][1:]) {
		return ID{}, badID(raw, "baseline field %q", fields[3])
	}
	if len(fields[4]) != 4 || fields[4][0] != 'R' || !isDigits(fields[4][1:]) {
		return ID{}, badID(raw, "relative orbit field %q", fields[4])
	}
	tile := fields[5]
	if len(tile) != 6 || tile[0] != 'T' || !isMGRS(tile[1:]) {
		return ID{}, badID(raw, "tile field %q", tile)
	}
	return ID{
		Kind:          kind,
		Satellite:     fields[0],
		Sensing:       sensing,
		Published:     published,
		Baseline:      fields[3],
		RelativeOrbit: fields[4],
		Tile:          tile[1:],
	}, nil
}

func parseS1GRD(raw, name string) (ID, error) {
	fields, err := splitFields(name, 9)
	if err != nil {
		return ID{}, badID(raw, "%v", err)
	}
	if fields[1] != "IW" || fields[2] != "GRDH" || fields[3] != "1SDV" {
		return ID{}, badID(raw, "unsupported GRD mode %s_%s_%s", fields[1], fields[2], fields[3])
	}
	start, err := parseTimestamp(fields[4])
	if err != nil {
		return ID{}, badID(raw, "sensing start %q: %v", fields[4], err)
	}
	stop, err := parseTimestamp(fields[5])
	if err != nil {
		return ID{}, badID(raw, "sensing stop %q: %v", fields[5], err)
	}
	if stop.Before(start) {
		return ID{}, badID(raw, "sensing stop precedes start")
	}
	if len(fields[6]) != 6 || !isDigits(fields[6]) {
		return ID{}, badID(raw, "absolute orbit field %q", fields[6])
	}
	if len(fields[7]) != 6 || !isUpperHex(fields[7]) {
		return ID{}, badID(raw, "mission take field %q", fields[7])
	}
	if len(fields[8]) != 4 || !isUpperHex(fields[8]) {
		return ID{}, badID(raw, "crc field %q", fields[8])
	}
	return ID{
		Kind:          KindS1GRD,
		Satellite:     fields[0],
		Sensing:       start,
		SensingStop:   stop,
		AbsoluteOrbit: fields[6],
		TakeID:        fields[7],
		CRC:           fields[8],
	}, nil
}

// parseProduct handles the canonical six-field generated products:
// {kind}_{timestamp}_{satellite}_{tile}_{version}_{mode}.
func parseProduct(raw, name string, kind Kind) (ID, error) {
	fields, err := splitFields(name, 6)
	if err != nil {
		return ID{}, badID(raw, "%v", err)
	}
	sensing, err := parseTimestamp(fields[1])
	if err != nil {
		return ID{}, badID(raw, "sensing timestamp %q: %v", fields[1], err)
	}
	id, err := parseProductTail(raw, kind, fields)
	if err != nil {
		return ID{}, err
	}
	id.Sensing = sensing
	return id, nil
}

func parseGFSC(raw, name string) (ID, error) {
	fields, err := splitFields(name, 6)
	if err != nil {
		return ID{}, badID(raw, "%v", err)
	}
	datePart, periodPart, ok := strings.Cut(fields[1], "-")
	if !ok || !strings.HasSuffix(periodPart, "day") {
		return ID{}, badID(raw, "period field %q", fields[1])
	}
	sensing, err := parseDate(datePart)
	if err != nil {
		return ID{}, badID(raw, "date %q: %v", datePart, err)
	}
	days, err := strconv.Atoi(strings.TrimSuffix(periodPart, "day"))
	if err != nil || days <= 0 {
		return ID{}, badID(raw, "period length %q", periodPart)
	}
	id, err := parseProductTail(raw, KindGFSC, fields)
	if err != nil {
		return ID{}, err
	}
	id.Sensing = sensing
	id.PeriodDays = days
	return id, nil
}

// parseProductTail validates the satellite, tile, version and mode fields
// shared by all generated product identifiers.
func parseProductTail(raw string, kind Kind, fields []string) (ID, error) {
	sat := fields[2]
	if !productSatellites[sat] {
		return ID{}, badID(raw, "unknown satellite %q", sat)
	}
	tile := fields[3]
	if len(tile) != 6 || tile[0] != 'T' || !isMGRS(tile[1:]) {
		return ID{}, badID(raw, "tile field %q", tile)
	}
	ver := fields[4]
	if len(ver) != 4 || ver[0] != 'V' || !isDigits(ver[1:]) {
		return ID{}, badID(raw, "version field %q", ver)
	}
	version, _ := strconv.Atoi(ver[1:])
	mode := fields[5]
	if len(mode) != 1 || !isDigits(mode) {
		return ID{}, badID(raw, "mode field %q", mode)
	}
	return ID{
		Kind:      kind,
		Satellite: sat,
		Tile:      tile[1:],
		Version:   version,
		Mode:      mode,
	}, nil
}
