package cpld

import (
	"bytes"
	"context"
	"time"

	"fwupdate/pkg/fwupdate/cpld/core"
	"fwupdate/pkg/fwupdate/jed"
	"fwupdate/pkg/fwupdate/transport"
)

const latticePageSize = 16

// opcodeTable carries the family-specific payload variations spec §4.5.2
// calls out (erase payload and the XO3D reset-address target bit); the
// opcode bytes themselves (0xE0, 0x74, 0xB4, 0x70, 0x73, 0xC2, 0x5E, 0x26,
// 0xF0, 0x3C, 0xC0) are shared across XO2/XO3/XO3D.
type opcodeTable struct {
	name            string
	erasePayload    func(t Target) []byte
	resetAddrSuffix func(t Target) []byte
}

func xo2OpcodeTable() opcodeTable {
	return opcodeTable{
		name:            "xo2",
		erasePayload:    func(Target) []byte { return []byte{0x0C, 0x00, 0x00} },
		resetAddrSuffix: func(Target) []byte { return nil },
	}
}

func xo3OpcodeTable() opcodeTable {
	return opcodeTable{
		name:            "xo3",
		erasePayload:    func(Target) []byte { return []byte{0x0C, 0x00, 0x00} },
		resetAddrSuffix: func(Target) []byte { return nil },
	}
}

func xo3dOpcodeTable() opcodeTable {
	return opcodeTable{
		name: "xo3d",
		erasePayload: func(t Target) []byte {
			if t == TargetCFG1 {
				return []byte{0x00, 0x02, 0x00}
			}
			return []byte{0x00, 0x01, 0x00}
		},
		resetAddrSuffix: func(t Target) []byte {
			if t == TargetCFG1 {
				return []byte{0x01}
			}
			return []byte{0x00}
		},
	}
}

// latticeBase is the tagged-variant "trait" spec §9 calls for: a single
// shared updateFirmware template with family-specific steps injected via
// opcodeTable, replacing the source's CPLDInterface<-LatticeBaseCPLD<-
// LatticeXO{2,3,5,5D}CPLD inheritance chain.
type latticeBase struct {
	t     transport.Transport
	opts  Options
	table opcodeTable
}

func newLatticeEngine(t transport.Transport, opts Options, table opcodeTable) core.Engine {
	return &latticeBase{t: t, opts: opts, table: table}
}

func (l *latticeBase) readDeviceID(ctx context.Context) ([]byte, error) {
	return l.xfer(ctx, []byte{0xE0}, 4)
}

func (l *latticeBase) GetVersion(ctx context.Context) (uint32, error) {
	b, err := l.xfer(ctx, []byte{0xC0}, 4)
	if err != nil {
		return 0, err
	}
	return beUint32(b), nil
}

func (l *latticeBase) waitReady(ctx context.Context) error {
	const period = 200 * time.Millisecond
	const maxRetries = 30
	for i := 0; i < maxRetries; i++ {
		b, err := l.xfer(ctx, []byte{0xF0}, 1)
		if err != nil {
			return err
		}
		if b[0]&0x80 == 0 {
			status, err := l.xfer(ctx, []byte{0x3C}, 4)
			if err != nil {
				return err
			}
			ready := status[2]&0x01 != 0
			fail := status[2]&0x02 != 0
			if ready || fail {
				return errProtocol("status register reports ready=%v fail=%v", ready, fail)
			}
			return nil
		}
		if err := sleepCtx(ctx, period); err != nil {
			return err
		}
	}
	return errProtocol("busy flag never cleared after %d retries", maxRetries)
}

func (l *latticeBase) enableProgramMode(ctx context.Context) error {
	_, err := l.xfer(ctx, []byte{0x74, 0x08, 0x00, 0x00}, 0)
	return err
}

func (l *latticeBase) erase(ctx context.Context) error {
	cmd := append([]byte{0x0E}, l.table.erasePayload(l.opts.Target)...)
	_, err := l.xfer(ctx, cmd, 0)
	return err
}

func (l *latticeBase) resetAddress(ctx context.Context) error {
	cmd := append([]byte{0x46}, l.table.resetAddrSuffix(l.opts.Target)...)
	_, err := l.xfer(ctx, cmd, 0)
	return err
}

func (l *latticeBase) setPageAddress(ctx context.Context, page int) error {
	addr := []byte{byte(page >> 16), byte(page >> 8), byte(page)}
	cmd := append([]byte{0xB4}, addr...)
	_, err := l.xfer(ctx, cmd, 0)
	return err
}

func (l *latticeBase) writePage(ctx context.Context, data []byte) error {
	cmd := append([]byte{0x70, 0x00, 0x00, 0x01}, data...)
	_, err := l.xfer(ctx, cmd, 0)
	return err
}

func (l *latticeBase) readPage(ctx context.Context) ([]byte, error) {
	return l.xfer(ctx, []byte{0x73, 0x00, 0x00, 0x01}, latticePageSize)
}

func (l *latticeBase) programUserCode(ctx context.Context, userCode uint32) error {
	cmd := append([]byte{0xC2}, beBytesUint32(userCode)...)
	_, err := l.xfer(ctx, cmd, 0)
	return err
}

func (l *latticeBase) programDone(ctx context.Context) error {
	_, err := l.xfer(ctx, []byte{0x5E}, 0)
	return err
}

func (l *latticeBase) disableInterface(ctx context.Context) error {
	_, err := l.xfer(ctx, []byte{0x26}, 0)
	return err
}

// UpdateFirmware runs spec §4.5.2's end-to-end sequence: readDeviceID ->
// parse JED -> verifyChecksum -> enableProgramMode -> erase ->
// resetAddress -> per-page write/verify (retry up to 10x on mismatch) ->
// programUserCode -> programDone -> disableInterface. Busy polling happens
// only inside the per-page write/verify step.
func (l *latticeBase) UpdateFirmware(ctx context.Context, image []byte, progress core.ProgressFunc) error {
	if _, err := l.readDeviceID(ctx); err != nil {
		return err
	}
	progress(10)

	img, err := jed.Parse(bytes.NewReader(image), l.opts.ChipModel)
	if err != nil {
		return err
	}
	if err := img.VerifyChecksum(); err != nil {
		return err
	}
	progress(20)

	if err := l.enableProgramMode(ctx); err != nil {
		return err
	}
	progress(25)

	if err := l.erase(ctx); err != nil {
		return err
	}
	progress(30)

	if err := l.resetAddress(ctx); err != nil {
		return err
	}

	pages := chunk(img.CfgBytes, latticePageSize)
	checkpoints := progressCheckpoints(len(pages), 40, 90)
	for i, page := range pages {
		if err := l.programPageWithRetry(ctx, i, page); err != nil {
			return err
		}
		progress(checkpoints[i])
	}

	if err := l.programUserCode(ctx, img.UserCode); err != nil {
		return err
	}
	if err := l.programDone(ctx); err != nil {
		return err
	}
	if err := l.disableInterface(ctx); err != nil {
		return err
	}
	progress(100)
	return nil
}

func (l *latticeBase) programPageWithRetry(ctx context.Context, index int, page []byte) error {
	const maxRetries = 10
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := l.setPageAddress(ctx, index); err != nil {
			return err
		}
		if err := l.writePage(ctx, page); err != nil {
			return err
		}
		if err := l.waitReady(ctx); err != nil {
			return err
		}
		if err := l.setPageAddress(ctx, index); err != nil {
			return err
		}
		readBack, err := l.readPage(ctx)
		if err != nil {
			return err
		}
		if bytes.Equal(readBack, padTo(page, latticePageSize)) {
			return nil
		}
		lastErr = errProtocol("page %d verify mismatch on attempt %d", index, attempt)
	}
	return lastErr
}

func (l *latticeBase) xfer(ctx context.Context, write []byte, readLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.t.SendReceive(write, readLen)
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func chunk(b []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(b); i += size {
		end := i + size
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[i:end])
	}
	return out
}

// progressCheckpoints spreads n page completions across [lo, hi], matching
// the monotonic-checkpoint requirement in spec §4.5.2 without hardcoding the
// listed percentages to a fixed page count.
func progressCheckpoints(n, lo, hi int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	span := hi - lo
	for i := range out {
		out[i] = lo + (span*(i+1))/n
	}
	return out
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beBytesUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
