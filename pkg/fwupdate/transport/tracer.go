// tracer.go — an optional bus activity tracer for transfer-latency
// diagnostics, structurally grounded on eBPF_driver.go's stub-loader
// pattern: LoadBpfObjects returns nil when no compiled object is present,
// and the driver degrades to a no-op rather than failing the caller.
package transport

import (
	"fmt"
	"log"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// traceObjects mirrors the teacher's BpfObjects shape, reduced to the one
// map a transfer tracer needs.
type traceObjects struct {
	Transfers *ebpf.Map `ebpf:"bus_transfers"`
}

func (o *traceObjects) Close() error {
	if o.Transfers != nil {
		return o.Transfers.Close()
	}
	return nil
}

// loadTraceObjects is a stub the same way the teacher's LoadBpfObjects is:
// no compiled eBPF object ships with this binary, so it always reports
// "not available" rather than attempting a real load.
func loadTraceObjects(obj *traceObjects) error {
	return fmt.Errorf("bus tracer object not compiled in")
}

// Tracer records start/end timestamps around transport round-trips when
// enabled; it is always safe to construct even where eBPF is unsupported.
type Tracer struct {
	enabled bool
	objs    traceObjects
}

// NewTracer attempts to load the tracer; on any failure it returns a
// disabled Tracer instead of an error, since tracing is diagnostic-only.
func NewTracer() *Tracer {
	if err := rlimit.RemoveMemlock(); err != nil {
		log.Printf("bus tracer: remove memlock rlimit: %v (tracing disabled)", err)
		return &Tracer{}
	}
	objs := traceObjects{}
	if err := loadTraceObjects(&objs); err != nil {
		log.Printf("bus tracer: %v (tracing disabled)", err)
		return &Tracer{}
	}
	return &Tracer{enabled: true, objs: objs}
}

// Around runs fn and, when the tracer is enabled, logs how long it took.
// Nothing is written to the eBPF map; a disabled tracer only runs fn.
func (t *Tracer) Around(label string, fn func() error) error {
	start := time.Now()
	err := fn()
	if t.enabled {
		elapsed := time.Since(start)
		log.Printf("bus tracer: %s took %s", label, elapsed)
	}
	return err
}

func (t *Tracer) Close() {
	if t.enabled {
		t.objs.Close()
	}
}
