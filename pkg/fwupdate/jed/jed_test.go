package jed

import (
	"strings"
	"testing"

	"fwupdate/internal/fwerr"
)

func TestReverseBits(t *testing.T) {
	cases := []struct{ in, want byte }{
		{0x00, 0x00},
		{0xFF, 0xFF},
		{0x01, 0x80},
		{0x80, 0x01},
	}
	for _, c := range cases {
		if got := ReverseBits(c.in); got != c.want {
			t.Errorf("ReverseBits(0x%02X) = 0x%02X, want 0x%02X", c.in, got, c.want)
		}
	}
}

func TestVerifyChecksumSuccess(t *testing.T) {
	img := &Image{CfgBytes: []byte{0x00, 0xFF}, Checksum: 0x00FF}
	if err := img.VerifyChecksum(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerifyChecksumRejectsWrongValue(t *testing.T) {
	img := &Image{CfgBytes: []byte{0x00, 0xFF}, Checksum: 0x1234}
	if err := img.VerifyChecksum(); !fwerr.Is(err, fwerr.KindBadPackage) {
		t.Fatalf("expected BadPackage, got %v", err)
	}
}

func TestVerifyChecksumRejectsZero(t *testing.T) {
	img := &Image{CfgBytes: []byte{}, Checksum: 0}
	if err := img.VerifyChecksum(); !fwerr.Is(err, fwerr.KindBadPackage) {
		t.Fatalf("expected zero checksum to be rejected, got %v", err)
	}
}

func TestParseFuseCountAndConfigBytes(t *testing.T) {
	const sample = `QF512*
L0000
00000000
11111111

UH00000001*
C0000FF*
`
	img, err := Parse(strings.NewReader(sample), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.FuseCount != 512 {
		t.Fatalf("FuseCount = %d, want 512", img.FuseCount)
	}
	if len(img.CfgBytes) != 2 || img.CfgBytes[0] != 0x00 || img.CfgBytes[1] != 0xFF {
		t.Fatalf("CfgBytes = % X, want [00 FF]", img.CfgBytes)
	}
}

func TestParseWrongChipRejected(t *testing.T) {
	const sample = `QF8*
NOTE DEVICE NAME: LCMXO3-1300C*
L0000
00000000
`
	_, err := Parse(strings.NewReader(sample), "LCMXO2-256")
	if !fwerr.Is(err, fwerr.KindWrongChip) {
		t.Fatalf("expected WrongChip, got %v", err)
	}
}

func TestParseMatchingChipAccepted(t *testing.T) {
	const sample = `QF8*
NOTE DEVICE NAME: LCMXO3-1300C*
L0000
00000000
`
	_, err := Parse(strings.NewReader(sample), "LCMXO3-1300C")
	if err != nil {
		t.Fatalf("expected chip match to succeed, got %v", err)
	}
}
