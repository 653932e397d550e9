// Package pldm implements the PLDM Firmware Update v1.x package parser (C2)
// and the device-to-component matcher (C3). Neither the spec's source nor
// the teacher repo has an equivalent container-format parser, so the parsing
// loop is built directly from spec §4.2's byte layout, in the explicit
// binary.LittleEndian field-by-field style controller.go's packet builders
// use rather than a reflection-based codec.
package pldm

import "encoding/binary"

// headerUUID is the fixed PLDM-FWUP v1 identifier, spec §3/§6.
var headerUUID = [16]byte{
	0xF0, 0x18, 0x87, 0x8C, 0xCB, 0x7D, 0x49, 0x43,
	0x98, 0x00, 0xA0, 0x2F, 0x05, 0x9A, 0xCA, 0x02,
}

const (
	descriptorTypeIANA   = 0x0001
	descriptorTypeVendor = 0xFFFF

	minHeaderSize = 16 + 1 + 2 + 13 + 2 + 1 + 1 // uuid+rev+size+timestamp+bitmaplen+verstrtype+verstrlen
)

// Descriptor is one firmware-device-ID descriptor entry. For type 0x0001
// (IANA) Data is the 4-byte raw value. For type 0xFFFF (vendor-defined),
// Title holds the vendor compatible string and Data its associated data
// bytes. Any other type keeps its raw bytes in Data with an empty Title.
type Descriptor struct {
	Type  uint16
	Title string
	Data  []byte
}

// FWDeviceIDRecord is one entry of the FW device ID area.
type FWDeviceIDRecord struct {
	DeviceUpdateOptionFlags uint32
	ApplicableComponents    []int
	ImageSetVersion         string
	Descriptors             map[uint16]Descriptor
	FirmwareDevicePackageData []byte
}

// ComponentImageInfo is one entry of the component image area.
type ComponentImageInfo struct {
	Classification      uint16
	Identifier           uint16
	ComparisonStamp      uint32
	Options              uint16
	ReqActivationMethod  uint16
	LocationOffset       uint32
	Size                 uint32
	Version              string
}

// Package is the parsed form of a PLDM Firmware Update package, spec §3.
type Package struct {
	HeaderSize               uint16
	HeaderRevision           uint8
	ComponentBitmapBitLength uint16
	PackageVersion           string
	PackageChecksum          uint32

	FWDeviceIDRecords   []FWDeviceIDRecord
	ComponentImageInfos []ComponentImageInfo

	// raw is the full package byte region the caller supplied to Parse, kept
	// so that component image bytes can be sliced out by ImageBytes and
	// ComponentBytes.
	raw []byte
}

// ImageBytes returns the size bytes for component at LocationOffset.
func (p *Package) ImageBytes(c ComponentImageInfo) []byte {
	return p.raw[c.LocationOffset : c.LocationOffset+c.Size]
}

// ComponentBytes returns the image bytes a Component match points at.
func (p *Package) ComponentBytes(c Component) []byte {
	return p.raw[c.Offset : c.Offset+c.Size]
}

func readLEUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func readLEUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
