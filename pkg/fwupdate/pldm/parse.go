package pldm

import (
	"hash/crc32"

	"fwupdate/internal/fwerr"
)

func badPackage(reason string) error {
	return fwerr.New(fwerr.KindBadPackage, "malformed PLDM package", reason)
}

// Parse decodes a contiguous PLDM Firmware Update package region per spec
// §4.2. region is not retained beyond the lifetime needed to slice out
// component image bytes via (*Package).ImageBytes.
func Parse(region []byte) (*Package, error) {
	if len(region) < minHeaderSize {
		return nil, badPackage("region shorter than minimum header size")
	}

	var uuid [16]byte
	copy(uuid[:], region[0:16])
	if uuid != headerUUID {
		return nil, badPackage("UUID mismatch")
	}

	headerRevision := region[16]
	if headerRevision != 1 {
		return nil, badPackage("unsupported headerRevision")
	}

	headerSize := readLEUint16(region[17:19])
	if int(headerSize) > len(region) {
		return nil, badPackage("headerSize exceeds region length")
	}

	// region[19:32] is the 13-byte opaque release timestamp; no semantic check.
	off := 32
	componentBitmapBitLength := readLEUint16(region[off : off+2])
	off += 2
	if componentBitmapBitLength == 0 || componentBitmapBitLength%8 != 0 {
		return nil, badPackage("componentBitmapBitLength must be a positive multiple of 8")
	}
	bitmapBytes := int(componentBitmapBitLength / 8)

	verType := region[off]
	off++
	_ = verType // ASCII (0x01) is the only type this parser consumes
	verLen := int(region[off])
	off++
	if off+verLen > int(headerSize) {
		return nil, badPackage("packageVersionString overruns headerSize")
	}
	packageVersion := string(region[off : off+verLen])
	off += verLen

	if off+2 > len(region) {
		return nil, badPackage("truncated FW device ID area")
	}
	deviceRecordCount := int(readLEUint16(region[off : off+2]))
	off += 2

	records := make([]FWDeviceIDRecord, 0, deviceRecordCount)
	for i := 0; i < deviceRecordCount; i++ {
		rec, next, err := parseDeviceRecord(region, off, bitmapBytes)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		off = next
	}

	if off+2 > len(region) {
		return nil, badPackage("truncated component image area")
	}
	componentCount := int(readLEUint16(region[off : off+2]))
	off += 2

	components := make([]ComponentImageInfo, 0, componentCount)
	for i := 0; i < componentCount; i++ {
		c, next, err := parseComponentImageInfo(region, off)
		if err != nil {
			return nil, err
		}
		components = append(components, c)
		off = next
	}

	if int(headerSize) < 4 {
		return nil, badPackage("headerSize smaller than checksum field")
	}
	storedChecksum := readLEUint32(region[headerSize-4 : headerSize])
	computed := crc32.ChecksumIEEE(region[0 : headerSize-4])
	if computed != storedChecksum {
		return nil, badPackage("CRC-32 checksum mismatch")
	}

	for _, c := range components {
		end := uint64(c.LocationOffset) + uint64(c.Size)
		if end > uint64(len(region)) {
			return nil, badPackage("component locationOffset+size out of bounds")
		}
	}
	for _, r := range records {
		for _, idx := range r.ApplicableComponents {
			if idx < 0 || idx >= len(components) {
				return nil, badPackage("applicableOutOfRange")
			}
		}
	}

	return &Package{
		HeaderSize:               headerSize,
		HeaderRevision:           headerRevision,
		ComponentBitmapBitLength: componentBitmapBitLength,
		PackageVersion:           packageVersion,
		PackageChecksum:          storedChecksum,
		FWDeviceIDRecords:        records,
		ComponentImageInfos:      components,
		raw:                      region,
	}, nil
}

func parseDeviceRecord(region []byte, off, bitmapBytes int) (FWDeviceIDRecord, int, error) {
	start := off
	if off+2 > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated device record length")
	}
	recordLength := int(readLEUint16(region[off : off+2]))
	off += 2
	if off+1 > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated descriptor count")
	}
	descriptorCount := int(region[off])
	off++
	if off+4 > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated device update option flags")
	}
	optionFlags := readLEUint32(region[off : off+4])
	off += 4

	if off+bitmapBytes > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated applicable components bitmap")
	}
	applicable := decodeBitmap(region[off : off+bitmapBytes])
	off += bitmapBytes

	if off+2 > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated image set version header")
	}
	off++ // versionStringType
	verLen := int(region[off])
	off++
	if off+verLen > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("image set version string overrun")
	}
	imageSetVersion := string(region[off : off+verLen])
	off += verLen

	if off+2 > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("truncated firmware device package data length")
	}
	pkgDataLen := int(readLEUint16(region[off : off+2]))
	off += 2
	if off+pkgDataLen > len(region) {
		return FWDeviceIDRecord{}, 0, badPackage("firmware device package data overrun")
	}
	pkgData := append([]byte(nil), region[off:off+pkgDataLen]...)
	off += pkgDataLen

	descriptors := make(map[uint16]Descriptor, descriptorCount)
	for i := 0; i < descriptorCount; i++ {
		d, next, err := parseDescriptor(region, off)
		if err != nil {
			return FWDeviceIDRecord{}, 0, err
		}
		descriptors[d.Type] = d
		off = next
	}

	end := start + recordLength
	if recordLength > 0 && end <= len(region) && end > off {
		off = end
	}

	return FWDeviceIDRecord{
		DeviceUpdateOptionFlags:   optionFlags,
		ApplicableComponents:      applicable,
		ImageSetVersion:           imageSetVersion,
		Descriptors:               descriptors,
		FirmwareDevicePackageData: pkgData,
	}, off, nil
}

func parseDescriptor(region []byte, off int) (Descriptor, int, error) {
	if off+2 > len(region) {
		return Descriptor{}, 0, badPackage("truncated descriptor type")
	}
	dtype := readLEUint16(region[off : off+2])
	off += 2

	switch dtype {
	case descriptorTypeIANA:
		if off+4 > len(region) {
			return Descriptor{}, 0, badPackage("truncated IANA descriptor")
		}
		data := append([]byte(nil), region[off:off+4]...)
		off += 4
		return Descriptor{Type: dtype, Data: data}, off, nil
	case descriptorTypeVendor:
		if off+2 > len(region) {
			return Descriptor{}, 0, badPackage("truncated vendor descriptor title header")
		}
		off++ // title type
		titleLen := int(region[off])
		off++
		if off+titleLen > len(region) {
			return Descriptor{}, 0, badPackage("vendor descriptor title overrun")
		}
		title := string(region[off : off+titleLen])
		off += titleLen
		if off+2 > len(region) {
			return Descriptor{}, 0, badPackage("truncated vendor descriptor data length")
		}
		dataLen := int(readLEUint16(region[off : off+2]))
		off += 2
		if off+dataLen > len(region) {
			return Descriptor{}, 0, badPackage("vendor descriptor data overrun")
		}
		data := append([]byte(nil), region[off:off+dataLen]...)
		off += dataLen
		return Descriptor{Type: dtype, Title: title, Data: data}, off, nil
	default:
		if off+2 > len(region) {
			return Descriptor{}, 0, badPackage("truncated raw descriptor length")
		}
		length := int(readLEUint16(region[off : off+2]))
		off += 2
		if off+length > len(region) {
			return Descriptor{}, 0, badPackage("raw descriptor data overrun")
		}
		data := append([]byte(nil), region[off:off+length]...)
		off += length
		return Descriptor{Type: dtype, Data: data}, off, nil
	}
}

func parseComponentImageInfo(region []byte, off int) (ComponentImageInfo, int, error) {
	need := 2 + 2 + 4 + 2 + 2 + 1 + 1 + 4 + 4
	if off+need > len(region) {
		return ComponentImageInfo{}, 0, badPackage("truncated component image info")
	}
	c := ComponentImageInfo{
		Classification:      readLEUint16(region[off : off+2]),
		Identifier:          readLEUint16(region[off+2 : off+4]),
		ComparisonStamp:     readLEUint32(region[off+4 : off+8]),
		Options:             readLEUint16(region[off+8 : off+10]),
		ReqActivationMethod: readLEUint16(region[off+10 : off+12]),
	}
	off += 12
	off++ // versionStringType
	verLen := int(region[off])
	off++
	c.LocationOffset = readLEUint32(region[off : off+4])
	off += 4
	c.Size = readLEUint32(region[off : off+4])
	off += 4
	if off+verLen > len(region) {
		return ComponentImageInfo{}, 0, badPackage("component version string overrun")
	}
	c.Version = string(region[off : off+verLen])
	off += verLen
	return c, off, nil
}

func decodeBitmap(b []byte) []int {
	var indices []int
	for byteIdx, v := range b {
		for bit := 0; bit < 8; bit++ {
			if v&(1<<uint(bit)) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}
	return indices
}
