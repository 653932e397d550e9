// Package manager implements the Software Manager (C7): it enumerates the
// board manifest at startup, builds one transport/engine/Device stack per
// configured entry, and is the update-request entry point callers (the gRPC
// and HTTP process surfaces) go through. Grounded on
// cmd/driver/hasher-host/main.go's Orchestrator-construction-at-startup
// shape, generalized from "one mining rig" to "N board-manifest devices."
package manager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"fwupdate/internal/config"
	"fwupdate/internal/fwerr"
	"fwupdate/internal/orchestrator"
	"fwupdate/pkg/fwupdate/cpld"
	"fwupdate/pkg/fwupdate/transport"
)

// tracerFor builds a shared bus tracer for every device's transport when
// BMC_FWUPDATE_TRACE is set, mirroring hasher-server's --enable-tracing
// flag; nil (the default) leaves transfers untraced.
func tracerFor() *transport.Tracer {
	if os.Getenv("BMC_FWUPDATE_TRACE") == "" {
		return nil
	}
	return transport.NewTracer()
}

// familyForChip maps a board manifest's chipFamily string to the factory's
// Family constant, applying spec §9's vendor-capability-based XO5/XO5v2
// resolution rather than hard-coding one of the two variants.
func familyForChip(cfg config.SoftwareConfig) (cpld.Family, error) {
	switch cfg.ChipFamily {
	case "xo2":
		return cpld.FamilyXO2, nil
	case "xo3":
		return cpld.FamilyXO3, nil
	case "xo3d":
		return cpld.FamilyXO3D, nil
	case "xo5":
		return cpld.ResolveXO5Family(cpld.Options{VendorCRCSHA: cfg.VendorCRCSHA}), nil
	case "xo5d":
		return cpld.FamilyXO5D, nil
	default:
		return "", fwerr.New(fwerr.KindInvalidConfig, "unknown chipFamily", cfg.ChipFamily)
	}
}

func strategyForConfig(cfg config.SoftwareConfig) transport.Strategy {
	if cfg.TransportStrategy == "" {
		return transport.StrategyKernelI2C
	}
	return transport.Strategy(cfg.TransportStrategy)
}

// Manager holds the live set of Devices built from the board manifest,
// keyed by ObjectPath for the per-software-object HTTP/gRPC surface.
type Manager struct {
	mu       sync.RWMutex
	devices  map[string]*orchestrator.Device
	loadedAt *timestamppb.Timestamp
}

// New builds a Manager with no devices loaded; call LoadDevices to populate
// it from the board manifest.
func New() *Manager {
	return &Manager{devices: make(map[string]*orchestrator.Device)}
}

// LoadDevices enumerates config.LoadBoardManifest, validates each entry via
// config.NewSoftwareConfig, and constructs a Device for each, wiring its
// transport backend and CPLD engine. A single bad entry logs and is
// skipped rather than aborting the rest of the manifest, matching the
// teacher's per-device tolerance for partial hardware availability.
func (m *Manager) LoadDevices() error {
	entries, err := config.LoadBoardManifest()
	if err != nil {
		return err
	}
	tracer := tracerFor()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range entries {
		cfg, err := config.NewSoftwareConfig(raw)
		if err != nil {
			log.Printf("manager: skipping invalid board manifest entry %q: %v", raw.ConfigName, err)
			continue
		}

		family, err := familyForChip(cfg)
		if err != nil {
			log.Printf("manager: skipping %s: %v", cfg.ConfigName, err)
			continue
		}

		t, err := transport.New(strategyForConfig(cfg), transport.Config{
			Bus:  cfg.Bus,
			Addr: cfg.Address,
		})
		if err != nil {
			log.Printf("manager: skipping %s: building transport: %v", cfg.ConfigName, err)
			continue
		}
		if tracer != nil {
			t.SetTracer(tracer)
		}

		engine, err := cpld.NewEngine(family, t, cpld.Options{
			ChipModel:    cfg.ChipModel,
			VendorCRCSHA: cfg.VendorCRCSHA,
		})
		if err != nil {
			log.Printf("manager: skipping %s: building engine: %v", cfg.ConfigName, err)
			continue
		}

		m.devices[cfg.ObjectPath] = orchestrator.NewDevice(cfg, engine)
		log.Printf("manager: loaded device %s (%s/%s) at %s", cfg.ConfigName, cfg.ChipVendor, family, cfg.ObjectPath)
	}
	m.loadedAt = timestamppb.New(time.Now())
	return nil
}

// LoadedAt reports when LoadDevices last completed, as a protobuf
// well-known timestamp; the HTTP health endpoint reports it converted to a
// time value. Nil until the first LoadDevices call.
func (m *Manager) LoadedAt() *timestamppb.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// Devices returns every loaded Device, ordered by object path for stable
// enumeration (used by the monitor CLI and the HTTP listing endpoint).
func (m *Manager) Devices() []*orchestrator.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*orchestrator.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectPath() < out[j].ObjectPath() })
	return out
}

// Device looks up one loaded device by object path.
func (m *Manager) Device(objectPath string) (*orchestrator.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[objectPath]
	if !ok {
		return nil, fwerr.New(fwerr.KindInvalidConfig, "unknown device object path", objectPath)
	}
	return d, nil
}

// StartUpdate is C7's update-request entry point (spec.md §4.6): it resolves
// objectPath to a Device and forwards to its StartUpdate, opening image by
// path so callers don't need their own *os.File plumbing.
func (m *Manager) StartUpdate(ctx context.Context, objectPath, imagePath string, applyTime orchestrator.ApplyTime) (string, error) {
	d, err := m.Device(objectPath)
	if err != nil {
		return "", err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return "", fwerr.Wrap(fwerr.KindBadPackage, "opening update image", err)
	}
	defer f.Close()

	return d.StartUpdate(ctx, f, applyTime)
}

// Summary is a flattened view of one device's software state, used by both
// the HTTP listing endpoint and the monitor CLI's device table.
type Summary struct {
	ObjectPath  string
	ConfigName  string
	CurrentSWID string
	PendingSWID string
	Activation  string
}

func (m *Manager) Summaries() []Summary {
	devices := m.Devices()
	out := make([]Summary, 0, len(devices))
	for _, d := range devices {
		s := Summary{ObjectPath: d.ObjectPath(), ConfigName: d.ConfigName()}
		if cur := d.CurrentSoftware(); cur != nil {
			s.CurrentSWID = cur.SWID()
			s.Activation = cur.Activation().String()
		}
		if pend := d.PendingSoftware(); pend != nil {
			s.PendingSWID = pend.SWID()
			if s.Activation == "" {
				s.Activation = pend.Activation().String()
			}
		}
		out = append(out, s)
	}
	return out
}

func (s Summary) String() string {
	return fmt.Sprintf("%s current=%s pending=%s activation=%s", s.ObjectPath, s.CurrentSWID, s.PendingSWID, s.Activation)
}
