package config

import (
	"os"
	"path/filepath"
	"testing"

	"fwupdate/internal/fwerr"
)

func TestNewSoftwareConfig_RejectsEmptyConfigName(t *testing.T) {
	_, err := NewSoftwareConfig(SoftwareConfig{CompatibleHardware: "com.example.Board"})
	if !fwerr.Is(err, fwerr.KindInvalidConfig) {
		t.Fatalf("err = %v, want KindInvalidConfig", err)
	}
}

func TestNewSoftwareConfig_RejectsBadCompatibleHardware(t *testing.T) {
	cases := []string{"", "nodot", ".leadingdot", "trailingdot.", "bad char!.ok"}
	for _, c := range cases {
		_, err := NewSoftwareConfig(SoftwareConfig{ConfigName: "x", CompatibleHardware: c})
		if !fwerr.Is(err, fwerr.KindInvalidConfig) {
			t.Errorf("CompatibleHardware %q: err = %v, want KindInvalidConfig", c, err)
		}
	}
}

func TestNewSoftwareConfig_AcceptsDottedIdentifier(t *testing.T) {
	cfg, err := NewSoftwareConfig(SoftwareConfig{ConfigName: "x", CompatibleHardware: "com.example.Board.CPLD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ConfigName != "x" {
		t.Fatalf("cfg.ConfigName = %q, want x", cfg.ConfigName)
	}
}

func TestLoadBoardManifest_DefaultsWithoutOverride(t *testing.T) {
	t.Setenv("BMC_FWUPDATE_CONFIG", "")
	ResetCacheForTest()

	entries, err := LoadBoardManifest()
	if err != nil {
		t.Fatalf("LoadBoardManifest: %v", err)
	}
	if len(entries) != 1 || entries[0].ConfigName != "bmc_cpld" {
		t.Fatalf("entries = %+v, want the built-in default", entries)
	}
}

func TestLoadBoardManifest_MemoizesResult(t *testing.T) {
	t.Setenv("BMC_FWUPDATE_CONFIG", "")
	ResetCacheForTest()

	first, err := LoadBoardManifest()
	if err != nil {
		t.Fatalf("LoadBoardManifest: %v", err)
	}
	// Mutate the env after first load; a memoized loader must not re-read it.
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	t.Setenv("BMC_FWUPDATE_CONFIG", path)

	second, err := LoadBoardManifest()
	if err != nil {
		t.Fatalf("LoadBoardManifest: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("second load = %+v, want memoized result matching first load %+v", second, first)
	}
}

func TestLoadBoardManifest_ReadsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(`[{"objectPath":"/x","configName":"x","compatibleHardware":"com.example.Board"}]`), 0o600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	t.Setenv("BMC_FWUPDATE_CONFIG", path)
	ResetCacheForTest()

	entries, err := LoadBoardManifest()
	if err != nil {
		t.Fatalf("LoadBoardManifest: %v", err)
	}
	if len(entries) != 1 || entries[0].ConfigName != "x" {
		t.Fatalf("entries = %+v, want one entry named x", entries)
	}
}
