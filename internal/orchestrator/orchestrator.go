// Package orchestrator implements the per-device Device Orchestrator (C6):
// it owns one device's current/pending software, drives an update
// end-to-end through the PLDM parser, matcher and CPLD engine, and
// publishes Activation state and progress. Grounded on
// internal/driver/device/controller.go's mutex-guarded Device/stats shape,
// generalized from "one ASIC" to "one inventory device with current +
// pending software."
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"fwupdate/internal/config"
	"fwupdate/internal/fwerr"
	"fwupdate/internal/hostpower"
	"fwupdate/pkg/fwupdate/cpld/core"
	"fwupdate/pkg/fwupdate/pldm"
)

// ActivationState is the Software lifecycle state machine, spec.md §4.4.
type ActivationState int

const (
	ActivationNotReady ActivationState = iota
	ActivationInvalid
	ActivationReady
	ActivationActivating
	ActivationActive
	ActivationFailed
)

func (a ActivationState) String() string {
	switch a {
	case ActivationNotReady:
		return "NotReady"
	case ActivationInvalid:
		return "Invalid"
	case ActivationReady:
		return "Ready"
	case ActivationActivating:
		return "Activating"
	case ActivationActive:
		return "Active"
	case ActivationFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// isTerminal reports whether a is one of the state machine's terminal
// states, out of which no further transition is permitted (spec.md §4.4).
func (a ActivationState) isTerminal() bool {
	return a == ActivationInvalid || a == ActivationFailed || a == ActivationActive
}

// ApplyTime selects when a successful update takes effect, spec.md §3/GLOSSARY.
type ApplyTime string

const (
	ApplyImmediate ApplyTime = "Immediate"
	ApplyOnReset   ApplyTime = "OnReset"
)

// RequestedActivation mirrors spec.md §3's Software.requestedActivation field.
type RequestedActivation string

const (
	RequestedNone   RequestedActivation = "None"
	RequestedActive RequestedActivation = "Active"
)

// Association is one (forward, reverse, endpoint) triple, spec.md §3.
type Association struct {
	Forward  string
	Reverse  string
	Endpoint string
}

// Software is one installable image instance, spec.md §3.
type Software struct {
	mu sync.RWMutex

	swid                string
	version             string
	activation          ActivationState
	requestedActivation RequestedActivation
	hasProgress         bool
	progress            int
	blocksTransition    bool
	associations        []Association
	allowedApplyTimes   []ApplyTime
}

// newSoftware builds a Software in its initial NotReady state with the
// cosmetic "<configName>_<4-digit random>" identifier spec.md §9 calls for;
// the random suffix is never asserted on by tests, only the prefix.
func newSoftware(configName string) *Software {
	return &Software{
		swid:                fmt.Sprintf("%s_%04d", configName, rand.Intn(10000)),
		activation:          ActivationNotReady,
		requestedActivation: RequestedNone,
	}
}

func (s *Software) SWID() string { return s.swid }

func (s *Software) Activation() ActivationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activation
}

// setActivation transitions the state machine, refusing to leave a terminal
// state per spec.md §4.4's invariant.
func (s *Software) setActivation(next ActivationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activation.isTerminal() {
		return
	}
	s.activation = next
}

func (s *Software) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Software) setVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// Progress returns the current ActivationProgress value and whether that
// sub-object currently exists (spec.md §3: present only during Activating).
func (s *Software) Progress() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress, s.hasProgress
}

func (s *Software) createProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasProgress = true
	s.progress = 0
}

// setProgress enforces spec.md §8's "monotonic non-decreasing" property;
// out-of-order callbacks from a misbehaving engine are clamped rather than
// regressing the published value.
func (s *Software) setProgress(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProgress || p < s.progress {
		return
	}
	if p > 100 {
		p = 100
	}
	s.progress = p
}

func (s *Software) removeProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasProgress = false
}

func (s *Software) BlocksTransition() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocksTransition
}

func (s *Software) setBlocksTransition(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocksTransition = v
}

func (s *Software) addAssociation(a Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associations = append(s.associations, a)
}

func (s *Software) Associations() []Association {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Association, len(s.associations))
	copy(out, s.associations)
	return out
}

func (s *Software) enableUpdate(allowed []ApplyTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedApplyTimes = allowed
}

func (s *Software) AllowedApplyTimes() []ApplyTime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApplyTime, len(s.allowedApplyTimes))
	copy(out, s.allowedApplyTimes)
	return out
}

// Device owns one updatable piece of hardware: its SoftwareConfig, current
// and (optional) pending Software, and the protocol engine used to program
// it. At most one update runs per device at a time (spec.md §5), enforced
// by updateInProgress rather than the source's global flag (spec.md §9).
type Device struct {
	mu sync.Mutex

	cfg    config.SoftwareConfig
	engine core.Engine
	power  *hostpower.Observer

	// requestReset triggers a physical host reset for an Immediate apply.
	// Nil means no physical reset is wired (bench/dry-run device): the swap
	// proceeds without observing a boot-time change.
	requestReset func() error

	softwareCurrent  *Software
	pendingSoftware  *Software
	updateInProgress bool
}

// NewDevice constructs a Device for one board-manifest entry.
func NewDevice(cfg config.SoftwareConfig, engine core.Engine) *Device {
	return &Device{
		cfg:    cfg,
		engine: engine,
		power:  hostpower.NewObserver(),
	}
}

// SetRequestReset wires a physical reset trigger used by an Immediate apply.
func (d *Device) SetRequestReset(fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestReset = fn
}

func (d *Device) ObjectPath() string { return d.cfg.ObjectPath }

func (d *Device) ConfigName() string { return d.cfg.ConfigName }

func (d *Device) AllowedApplyTimes() []ApplyTime {
	out := make([]ApplyTime, 0, len(d.cfg.AllowedApplyTimes))
	for _, a := range d.cfg.AllowedApplyTimes {
		out = append(out, ApplyTime(a))
	}
	return out
}

func (d *Device) allows(applyTime ApplyTime) bool {
	for _, a := range d.AllowedApplyTimes() {
		if a == applyTime {
			return true
		}
	}
	return false
}

// CurrentSoftware returns the device's running software, nil before the
// first successful Immediate update. Nothing in this package promotes
// pendingSoftware to current.
func (d *Device) CurrentSoftware() *Software {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.softwareCurrent
}

// PendingSoftware returns the OnReset-deferred software awaiting the next
// device reset, or nil.
func (d *Device) PendingSoftware() *Software {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingSoftware
}

// StartUpdate implements spec.md §4.4: validates applyTime, admits the
// request under the per-device updateInProgress guard, duplicates image so
// the caller may close its copy on return, and returns the new software's
// SWID (not a full object path) immediately while the update proceeds
// asynchronously on its own goroutine — the "task returning Ok|Err at each
// suspension point" redesign from spec.md §9, expressed with a normal Go
// goroutine rather than a hand-rolled cooperative scheduler.
func (d *Device) StartUpdate(ctx context.Context, image *os.File, applyTime ApplyTime) (string, error) {
	if !d.allows(applyTime) {
		return "", fwerr.New(fwerr.KindRejected, "applyTimeNotAllowed", string(applyTime))
	}

	d.mu.Lock()
	if d.updateInProgress {
		d.mu.Unlock()
		return "", fwerr.New(fwerr.KindUpdateInProgress, "device already has an update in flight")
	}
	d.updateInProgress = true
	d.mu.Unlock()

	dupFd, err := unix.Dup(int(image.Fd()))
	if err != nil {
		d.mu.Lock()
		d.updateInProgress = false
		d.mu.Unlock()
		return "", fwerr.Wrap(fwerr.KindTransportFailed, "duplicating image descriptor", err)
	}
	owned := os.NewFile(uintptr(dupFd), image.Name())

	sw := newSoftware(d.cfg.ConfigName)
	go func() {
		defer owned.Close()
		d.runUpdate(ctx, sw, owned, applyTime)
	}()
	return sw.SWID(), nil
}

// runUpdate drives one update end-to-end per spec.md §4.4 steps 2-8.
func (d *Device) runUpdate(ctx context.Context, sw *Software, image *os.File, applyTime ApplyTime) {
	defer func() {
		d.mu.Lock()
		d.updateInProgress = false
		d.mu.Unlock()
	}()

	region, cleanup, err := mmapImage(image)
	if err != nil {
		sw.setActivation(ActivationFailed)
		return
	}
	defer cleanup()

	pkg, err := pldm.Parse(region)
	if err != nil {
		sw.setActivation(ActivationInvalid)
		return
	}

	component, err := pldm.MatchComponent(pkg, d.cfg.VendorIANA, d.cfg.CompatibleHardware)
	if err != nil {
		sw.setActivation(ActivationInvalid)
		return
	}

	sw.setActivation(ActivationReady)
	sw.setVersion(component.Version)
	sw.createProgress()
	sw.setBlocksTransition(true)
	sw.setActivation(ActivationActivating)

	imageBytes := pkg.ComponentBytes(component)
	err = d.engine.UpdateFirmware(ctx, imageBytes, sw.setProgress)
	if err != nil {
		sw.setActivation(ActivationFailed)
		sw.removeProgress()
		sw.setBlocksTransition(false)
		return
	}

	sw.setActivation(ActivationActive)
	sw.removeProgress()
	sw.setBlocksTransition(false)

	switch applyTime {
	case ApplyImmediate:
		d.applyImmediate(ctx, sw)
	case ApplyOnReset:
		d.applyOnReset(sw)
	}
}

func (d *Device) applyImmediate(ctx context.Context, sw *Software) {
	d.mu.Lock()
	resetFn := d.requestReset
	d.mu.Unlock()

	if resetFn != nil {
		if err := d.power.AwaitReset(ctx, resetFn); err != nil {
			sw.setActivation(ActivationFailed)
			return
		}
	}

	sw.addAssociation(Association{Forward: "running", Reverse: "software_version", Endpoint: d.cfg.ObjectPath})
	sw.enableUpdate(d.AllowedApplyTimes())

	d.mu.Lock()
	d.softwareCurrent = sw
	d.pendingSoftware = nil
	d.mu.Unlock()
}

func (d *Device) applyOnReset(sw *Software) {
	sw.addAssociation(Association{Forward: "activating", Reverse: "software_version", Endpoint: d.cfg.ObjectPath})

	d.mu.Lock()
	d.pendingSoftware = sw
	d.mu.Unlock()
}

// mmapImage memory-maps image per spec.md §4.4 step 2, duplicating the file
// descriptor first so the caller's copy remains independently closeable.
func mmapImage(image *os.File) ([]byte, func(), error) {
	dupFd, err := unix.Dup(int(image.Fd()))
	if err != nil {
		return nil, nil, fwerr.Wrap(fwerr.KindTransportFailed, "duplicating image descriptor", err)
	}
	dup := os.NewFile(uintptr(dupFd), image.Name())

	info, err := dup.Stat()
	if err != nil {
		dup.Close()
		return nil, nil, fwerr.Wrap(fwerr.KindTransportFailed, "statting image descriptor", err)
	}
	size := int(info.Size())
	if size == 0 {
		dup.Close()
		return nil, nil, fwerr.New(fwerr.KindBadPackage, "image is empty")
	}

	region, err := unix.Mmap(int(dup.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		dup.Close()
		return nil, nil, fwerr.Wrap(fwerr.KindTransportFailed, "mmap image descriptor", err)
	}

	cleanup := func() {
		unix.Munmap(region)
		dup.Close()
	}
	return region, cleanup, nil
}
