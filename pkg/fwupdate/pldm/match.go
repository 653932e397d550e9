package pldm

import (
	"encoding/binary"

	"fwupdate/internal/fwerr"
)

// Component is the result of a successful match: the location of the image
// bytes within the package region plus the matched component's version.
type Component struct {
	Offset  uint32
	Size    uint32
	Version string
}

// MatchComponent implements spec §4.3: the first fwDeviceIdRecord whose IANA
// descriptor equals vendorIANA and whose vendor-defined descriptor title
// equals compatible selects the applicable component.
func MatchComponent(pkg *Package, vendorIANA uint32, compatible string) (Component, error) {
	for _, rec := range pkg.FWDeviceIDRecords {
		iana, ok := rec.Descriptors[descriptorTypeIANA]
		if !ok || len(iana.Data) != 4 {
			continue
		}
		if binary.LittleEndian.Uint32(iana.Data) != vendorIANA {
			continue
		}
		vendor, ok := rec.Descriptors[descriptorTypeVendor]
		if !ok || vendor.Title != compatible {
			continue
		}
		if len(rec.ApplicableComponents) == 0 {
			continue
		}
		idx := rec.ApplicableComponents[0]
		if idx < 0 || idx >= len(pkg.ComponentImageInfos) {
			return Component{}, fwerr.New(fwerr.KindBadPackage, "applicableOutOfRange")
		}
		c := pkg.ComponentImageInfos[idx]
		return Component{Offset: c.LocationOffset, Size: c.Size, Version: c.Version}, nil
	}
	return Component{}, fwerr.New(fwerr.KindNotApplicable, "no fwDeviceIdRecord matches device")
}
