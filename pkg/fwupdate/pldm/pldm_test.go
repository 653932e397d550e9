package pldm

import (
	"bytes"
	"hash/crc32"
	"testing"

	"fwupdate/internal/fwerr"
)

// buildMinimalPackage assembles the scenario-1 fixture from spec §8: one
// fwDeviceIdRecord matching IANA 0x03020100 / "com.example.Board", one
// component image of 4 bytes.
func buildMinimalPackage(t *testing.T, compatibleTitle string) []byte {
	t.Helper()

	var h []byte
	h = append(h, headerUUID[:]...)
	h = append(h, 1) // headerRevision
	h = appendLEUint16(h, 0) // headerSize placeholder, patched below
	h = append(h, make([]byte, 13)...) // opaque timestamp
	h = appendLEUint16(h, 8)           // componentBitmapBitLength
	h = append(h, 0x01, byte(len("v1")))
	h = append(h, []byte("v1")...)

	// one device record
	var body []byte
	body = appendLEUint32(body, 0) // deviceUpdateOptionFlags
	body = append(body, 0x01)      // bitmap: component index 0 applicable
	body = append(body, 0x01, 0)   // imageSetVersion type=1 len=0
	body = appendLEUint16(body, 0) // firmwareDevicePackageData length

	iana := appendLEUint16(nil, descriptorTypeIANA)
	iana = append(iana, 0x00, 0x01, 0x02, 0x03)
	body = append(body, iana...)

	vendor := appendLEUint16(nil, descriptorTypeVendor)
	vendor = append(vendor, 0x00, byte(len(compatibleTitle)))
	vendor = append(vendor, []byte(compatibleTitle)...)
	vendor = appendLEUint16(vendor, 0)
	body = append(body, vendor...)

	var record []byte
	recordLength := 2 + 1 + len(body)
	record = appendLEUint16(record, uint16(recordLength))
	record = append(record, 2) // descriptorCount
	record = append(record, body...)

	h = appendLEUint16(h, 1) // deviceRecordCount
	h = append(h, record...)

	// header size needed before component locationOffset can be computed;
	// append a placeholder component now, patch offsets after header length
	// (including the component area and checksum) is known.
	h = appendLEUint16(h, 1) // componentCount
	componentStart := len(h)
	h = appendLEUint16(h, 0)   // classification
	h = appendLEUint16(h, 0)   // identifier
	h = appendLEUint32(h, 0)   // comparisonStamp
	h = appendLEUint16(h, 0)   // options
	h = appendLEUint16(h, 0)   // reqActivationMethod
	h = append(h, 0x01, byte(len("c1")))
	locationOffsetPos := len(h)
	h = appendLEUint32(h, 0) // locationOffset placeholder
	h = appendLEUint32(h, 4) // size
	h = append(h, []byte("c1")...)
	_ = componentStart

	headerSize := len(h) + 4 // plus checksum
	binaryPutUint16(h, 17, uint16(headerSize))
	binaryPutUint32(h, locationOffsetPos, uint32(headerSize))

	checksum := crc32.ChecksumIEEE(h)
	h = appendLEUint32(h, checksum)

	out := append(h, []byte{0xAB, 0xBA, 0xCD, 0xEF}...)
	return out
}

func binaryPutUint16(b []byte, pos int, v uint16) {
	b[pos] = byte(v)
	b[pos+1] = byte(v >> 8)
}

func binaryPutUint32(b []byte, pos int, v uint32) {
	b[pos] = byte(v)
	b[pos+1] = byte(v >> 8)
	b[pos+2] = byte(v >> 16)
	b[pos+3] = byte(v >> 24)
}

func TestParseMinimalMatchingPackage(t *testing.T) {
	region := buildMinimalPackage(t, "com.example.Board")

	pkg, err := Parse(region)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c, err := MatchComponent(pkg, 0x03020100, "com.example.Board")
	if err != nil {
		t.Fatalf("MatchComponent: %v", err)
	}
	if c.Version != "c1" {
		t.Fatalf("version = %q, want c1", c.Version)
	}
	if c.Size != 4 {
		t.Fatalf("size = %d, want 4", c.Size)
	}
	got := pkg.raw[c.Offset : c.Offset+c.Size]
	want := []byte{0xAB, 0xBA, 0xCD, 0xEF}
	if !bytes.Equal(got, want) {
		t.Fatalf("image bytes = % X, want % X", got, want)
	}
}

func TestMatchComponentNonMatchingCompatible(t *testing.T) {
	region := buildMinimalPackage(t, "com.example.Board")
	pkg, err := Parse(region)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = MatchComponent(pkg, 0x03020100, "com.example.Other")
	if !fwerr.Is(err, fwerr.KindNotApplicable) {
		t.Fatalf("expected NotApplicable, got %v", err)
	}
}

func TestParseRejectsCRCCorruption(t *testing.T) {
	region := buildMinimalPackage(t, "com.example.Board")
	region[20] ^= 0x01 // flip one bit inside the header, before the checksum
	_, err := Parse(region)
	if !fwerr.Is(err, fwerr.KindBadPackage) {
		t.Fatalf("expected BadPackage, got %v", err)
	}
}

func TestRoundTripSerialize(t *testing.T) {
	region := buildMinimalPackage(t, "com.example.Board")
	pkg, err := Parse(region)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	reserialized := Serialize(pkg)
	pkg2, err := Parse(reserialized)
	if err != nil {
		t.Fatalf("Parse(Serialize(pkg)): %v", err)
	}

	if pkg2.PackageVersion != pkg.PackageVersion {
		t.Fatalf("version mismatch after round trip")
	}
	if len(pkg2.FWDeviceIDRecords) != len(pkg.FWDeviceIDRecords) {
		t.Fatalf("record count mismatch after round trip")
	}
	if len(pkg2.ComponentImageInfos) != len(pkg.ComponentImageInfos) {
		t.Fatalf("component count mismatch after round trip")
	}
	c1, err := MatchComponent(pkg, 0x03020100, "com.example.Board")
	if err != nil {
		t.Fatalf("match on original: %v", err)
	}
	c2, err := MatchComponent(pkg2, 0x03020100, "com.example.Board")
	if err != nil {
		t.Fatalf("match on round-tripped: %v", err)
	}
	if c1.Version != c2.Version || c1.Size != c2.Size {
		t.Fatalf("matched component differs after round trip: %+v vs %+v", c1, c2)
	}
}
