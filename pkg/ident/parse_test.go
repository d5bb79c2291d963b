package ident

import (
	"testing"
	"time"
)

func TestParse_RoundTrip(t *testing.T) {
	raws := []string{
		"S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154",
		"S2B_MSIL2A_20210101T000000_N0214_R001_T33WXQ_20210101T031500",
		"S1A_IW_GRDH_1SDV_20200614T051625_20200614T051650_032958_03D123_A1B2",
		"FSC_20200614T103031_S2A_T32TLR_V101_1",
		"RLIE_20200614T103031_S1A_T32TLS_V101_1",
		"RLIE_20200614T103031_S1-S2_T32TLR_V100_1",
		"GFSC_20200614-7day_S2A_T32TLR_V101_1",
		"SWS_20200614T103031_S1B_T32TLR_V100_2",
		"WDS_20200614T103031_S1B_T32TLR_V100_2",
	}
	for _, raw := range raws {
		id, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if got := id.String(); got != raw {
			t.Fatalf("round trip mismatch: got=%q want=%q", got, raw)
		}
	}
}

func TestParse_Fields(t *testing.T) {
	id, err := Parse("S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if id.Kind != KindS2L1C {
		t.Fatalf("kind mismatch: %s", id.Kind)
	}
	if id.Tile != "32TLR" || id.TileID() != "T32TLR" {
		t.Fatalf("tile mismatch: %q", id.Tile)
	}
	want := time.Date(2020, 6, 14, 10, 30, 31, 0, time.UTC)
	if !id.Sensing.Equal(want) {
		t.Fatalf("sensing mismatch: %v", id.Sensing)
	}
	if id.Sensing.Location() != time.UTC {
		t.Fatalf("sensing not UTC")
	}

	y, m, d := id.DayBucket()
	if y != 2020 || m != time.June || d != 14 {
		t.Fatalf("day bucket mismatch: %d %v %d", y, m, d)
	}
}

func TestParse_GFSCPeriod(t *testing.T) {
	id, err := Parse("GFSC_20200614-7day_S2A_T32TLR_V101_1")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if id.PeriodDays != 7 {
		t.Fatalf("period mismatch: %d", id.PeriodDays)
	}
	if id.Kind != KindGFSC {
		t.Fatalf("kind mismatch: %s", id.Kind)
	}
}

func TestParse_Rejects(t *testing.T) {
	raws := []string{
		"",
		"FSC_20200614T103031_S2A_T32TLR_V101",          // missing mode
		"FSC_20200614T103031_S2A_T32TLR_V101_1_extra",  // extra field
		"FSC_20200699T103031_S2A_T32TLR_V101_1",        // bad timestamp
		"FSC_20200614T103031_S3A_T32TLR_V101_1",        // unknown satellite
		"FSC_20200614T103031_S2A_32TLR_V101_1",         // tile without T
		"FSC_20200614T103031_S2A_TAATLR_V101_1",        // tile charset
		"FSC_20200614T103031_S2A_T32TLR_101_1",         // version without V
		"FSC_20200614T103031_S2A_T32TLR_V101_12",       // mode too long
		"GFSC_20200614_S2A_T32TLR_V101_1",              // period missing
		"GFSC_20200614-0day_S2A_T32TLR_V101_1",         // zero period
		"S1A_IW_GRDH_1SDV_20200614T051625_20200614T051600_032958_03D123_A1B2", // stop < start
		"data/FSC_20200614T103031_S2A_T32TLR_V101_1",   // path separator
		"XYZ_20200614T103031_S2A_T32TLR_V101_1",        // unknown prefix
	}
	for _, raw := range raws {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		} else if !IsBadIdentifier(err) {
			t.Fatalf("Parse(%q) error is not BadIdentifier: %v", raw, err)
		}
	}
}

func TestParseAs_KindMismatch(t *testing.T) {
	_, err := ParseAs("FSC_20200614T103031_S2A_T32TLR_V101_1", KindRLIE)
	if err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}

func TestCanonicalise(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154",
			"S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154.SAFE",
		},
		{
			"S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154.SAFE",
			"S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154.SAFE",
		},
		{
			"FSC_20200614T103031_S2A_T32TLR_V101_1",
			"FSC_20200614T103031_S2A_T32TLR_V101_1",
		},
	}
	for _, tt := range tests {
		got, err := Canonicalise(tt.in)
		if err != nil {
			t.Fatalf("Canonicalise(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Canonicalise(%q)=%q want %q", tt.in, got, tt.want)
		}
		// Idempotence.
		again, err := Canonicalise(got)
		if err != nil {
			t.Fatalf("Canonicalise(%q) second pass error: %v", got, err)
		}
		if again != got {
			t.Fatalf("Canonicalise not idempotent: %q -> %q", got, again)
		}
	}

	if _, err := Canonicalise("../FSC_20200614T103031_S2A_T32TLR_V101_1"); err == nil {
		t.Fatalf("expected rejection of path separators")
	}
}

func TestLater_TieBreak(t *testing.T) {
	base := "FSC_20200614T103031_S2A_T32TLR_V101_1"
	a, err := Parse(base)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	higher := a
	higher.Version = 102
	if got := Later(a, higher); got.Version != 102 {
		t.Fatalf("version tie-break failed")
	}

	// Equal version: later publication wins.
	pubA := a
	pubA.Published = time.Date(2020, 6, 14, 12, 0, 0, 0, time.UTC)
	pubB := a
	pubB.Published = time.Date(2020, 6, 14, 13, 0, 0, 0, time.UTC)
	if got := Later(pubA, pubB); !got.Published.Equal(pubB.Published) {
		t.Fatalf("publication tie-break failed")
	}

	// Equal version and publication: later sensing wins.
	senseB := a
	senseB.Sensing = a.Sensing.Add(time.Hour)
	if got := Later(a, senseB); !got.Sensing.Equal(senseB.Sensing) {
		t.Fatalf("sensing tie-break failed")
	}
}
