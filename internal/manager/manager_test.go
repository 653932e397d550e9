package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwupdate/internal/config"
)

func writeManifest(t *testing.T, entries []config.SoftwareConfig) string {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err, "marshaling manifest")
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600), "writing manifest")
	return path
}

func TestLoadDevices_BuildsOneDevicePerEntry(t *testing.T) {
	path := writeManifest(t, []config.SoftwareConfig{
		{
			ObjectPath:         "/xyz/openbmc_project/software/cpld0",
			VendorIANA:         1,
			CompatibleHardware: "com.example.Board.CPLD",
			ConfigName:         "cpld0",
			ChipFamily:         "xo3",
			AllowedApplyTimes:  []string{"Immediate"},
		},
		{
			ObjectPath:         "/xyz/openbmc_project/software/cpld1",
			VendorIANA:         2,
			CompatibleHardware: "com.example.Board.CPLD2",
			ConfigName:         "cpld1",
			ChipFamily:         "xo5",
			AllowedApplyTimes:  []string{"OnReset"},
		},
	})
	t.Setenv("BMC_FWUPDATE_CONFIG", path)
	resetManifestCache(t)

	m := New()
	require.NoError(t, m.LoadDevices())

	devices := m.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "/xyz/openbmc_project/software/cpld0", devices[0].ObjectPath(), "devices must be sorted by object path")
}

func TestLoadDevices_SkipsInvalidEntry(t *testing.T) {
	path := writeManifest(t, []config.SoftwareConfig{
		{ObjectPath: "/bad", ConfigName: "", ChipFamily: "xo3"}, // empty configName is invalid
		{
			ObjectPath:         "/xyz/openbmc_project/software/cpld0",
			VendorIANA:         1,
			CompatibleHardware: "com.example.Board.CPLD",
			ConfigName:         "cpld0",
			ChipFamily:         "xo3",
			AllowedApplyTimes:  []string{"Immediate"},
		},
	})
	t.Setenv("BMC_FWUPDATE_CONFIG", path)
	resetManifestCache(t)

	m := New()
	require.NoError(t, m.LoadDevices())
	assert.Len(t, m.Devices(), 1, "invalid entry should be skipped")
}

func TestDevice_UnknownObjectPath(t *testing.T) {
	m := New()
	_, err := m.Device("/does/not/exist")
	assert.Error(t, err)
}

func TestLoadDevices_StampsLoadedAt(t *testing.T) {
	path := writeManifest(t, []config.SoftwareConfig{
		{
			ObjectPath:         "/xyz/openbmc_project/software/cpld0",
			VendorIANA:         1,
			CompatibleHardware: "com.example.Board.CPLD",
			ConfigName:         "cpld0",
			ChipFamily:         "xo3",
			AllowedApplyTimes:  []string{"Immediate"},
		},
	})
	t.Setenv("BMC_FWUPDATE_CONFIG", path)
	resetManifestCache(t)

	m := New()
	assert.Nil(t, m.LoadedAt(), "LoadedAt must be unset before LoadDevices runs")
	require.NoError(t, m.LoadDevices())
	require.NotNil(t, m.LoadedAt())
	assert.False(t, m.LoadedAt().AsTime().IsZero())
}

// resetManifestCache works around config's memoized LoadBoardManifest by
// clearing it between tests through the exported test hook
// ResetCacheForTest in internal/config/config.go.
func resetManifestCache(t *testing.T) {
	t.Helper()
	config.ResetCacheForTest()
}
