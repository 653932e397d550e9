package pldm

import (
	"encoding/binary"
	"hash/crc32"
)

// Serialize reconstructs the wire bytes of pkg using the same field layout
// Parse consumes, for the round-trip property in spec §8. The component
// image bytes (the tail beyond HeaderSize) are copied verbatim from the
// original region, since Serialize never mutates image data.
func Serialize(pkg *Package) []byte {
	var h []byte
	h = append(h, headerUUID[:]...)
	h = append(h, pkg.HeaderRevision)
	h = appendLEUint16(h, pkg.HeaderSize)
	h = append(h, pkg.raw[19:32]...) // opaque release timestamp, preserved verbatim
	h = appendLEUint16(h, pkg.ComponentBitmapBitLength)
	h = append(h, 0x01) // ASCII version string type
	h = append(h, byte(len(pkg.PackageVersion)))
	h = append(h, []byte(pkg.PackageVersion)...)

	bitmapBytes := int(pkg.ComponentBitmapBitLength / 8)

	h = appendLEUint16(h, uint16(len(pkg.FWDeviceIDRecords)))
	for _, rec := range pkg.FWDeviceIDRecords {
		h = append(h, serializeDeviceRecord(rec, bitmapBytes)...)
	}

	h = appendLEUint16(h, uint16(len(pkg.ComponentImageInfos)))
	for _, c := range pkg.ComponentImageInfos {
		h = append(h, serializeComponentImageInfo(c)...)
	}

	// Pad or trust the rebuilt header matches HeaderSize exactly; the
	// checksum always covers [0, HeaderSize-4).
	checksum := crc32.ChecksumIEEE(h[:int(pkg.HeaderSize)-4])
	h = h[:int(pkg.HeaderSize)-4]
	h = appendLEUint32(h, checksum)

	out := make([]byte, 0, len(h)+len(pkg.raw)-int(pkg.HeaderSize))
	out = append(out, h...)
	out = append(out, pkg.raw[pkg.HeaderSize:]...)
	return out
}

func serializeDeviceRecord(rec FWDeviceIDRecord, bitmapBytes int) []byte {
	var body []byte
	body = appendLEUint32(body, rec.DeviceUpdateOptionFlags)
	body = append(body, encodeBitmap(rec.ApplicableComponents, bitmapBytes)...)
	body = append(body, 0x01) // image set version string type
	body = append(body, byte(len(rec.ImageSetVersion)))
	body = append(body, []byte(rec.ImageSetVersion)...)
	body = appendLEUint16(body, uint16(len(rec.FirmwareDevicePackageData)))
	body = append(body, rec.FirmwareDevicePackageData...)
	for _, d := range rec.Descriptors {
		body = append(body, serializeDescriptor(d)...)
	}

	var out []byte
	// recordLength(2) + descriptorCount(1) + body
	recordLength := 2 + 1 + len(body)
	out = appendLEUint16(out, uint16(recordLength))
	out = append(out, byte(len(rec.Descriptors)))
	out = append(out, body...)
	return out
}

func serializeDescriptor(d Descriptor) []byte {
	var out []byte
	out = appendLEUint16(out, d.Type)
	switch d.Type {
	case descriptorTypeIANA:
		out = append(out, d.Data...)
	case descriptorTypeVendor:
		out = append(out, 0x00) // title string type
		out = append(out, byte(len(d.Title)))
		out = append(out, []byte(d.Title)...)
		out = appendLEUint16(out, uint16(len(d.Data)))
		out = append(out, d.Data...)
	default:
		out = appendLEUint16(out, uint16(len(d.Data)))
		out = append(out, d.Data...)
	}
	return out
}

func serializeComponentImageInfo(c ComponentImageInfo) []byte {
	var out []byte
	out = appendLEUint16(out, c.Classification)
	out = appendLEUint16(out, c.Identifier)
	out = appendLEUint32(out, c.ComparisonStamp)
	out = appendLEUint16(out, c.Options)
	out = appendLEUint16(out, c.ReqActivationMethod)
	out = append(out, 0x01) // version string type
	out = append(out, byte(len(c.Version)))
	out = appendLEUint32(out, c.LocationOffset)
	out = appendLEUint32(out, c.Size)
	out = append(out, []byte(c.Version)...)
	return out
}

func encodeBitmap(indices []int, size int) []byte {
	b := make([]byte, size)
	for _, idx := range indices {
		byteIdx, bit := idx/8, uint(idx%8)
		if byteIdx < size {
			b[byteIdx] |= 1 << bit
		}
	}
	return b
}

func appendLEUint16(b []byte, v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return append(b, buf...)
}

func appendLEUint32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return append(b, buf...)
}
