package cpld

import (
	"bytes"
	"context"
	"crypto/sha512"
	"time"

	"fwupdate/pkg/fwupdate/cpld/core"
	"fwupdate/pkg/fwupdate/jed"
	"fwupdate/pkg/fwupdate/transport"
)

const (
	xo5BlocksPerCfg    = 11
	xo5PagesPerBlock   = 256
	xo5PageSize        = 256
	xo5CFG0StartBlock  = 0x01
	xo5CFG1StartBlock  = 0x10
	xo5ReadyPollPeriod = 10 * time.Millisecond
	xo5ReadyTimeout    = 1 * time.Second
)

// crc16CCITT computes CRC-16/CCITT (poly 0x1021, init 0xFFFF, no reflection,
// no final xor), spec §4.5.4. No third-party library in the pack implements
// this specific variant; a direct bit-by-bit loop is the idiom the teacher
// itself uses for its own Modbus-style CRC-16 rather than pulling in a CRC
// package for a one-off 16-bit check.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// xo5Engine implements spec §4.5.3 (plain) and §4.5.4 (framed, SHA-384
// verified) XO5 variants; framed/sha is a flag rather than a second
// inheritance branch, per spec §9's tagged-variant guidance.
type xo5Engine struct {
	t      transport.Transport
	opts   Options
	framed bool // true selects xo5v2's CRC framing + SHA-384 verification
}

func newXO5Engine(t transport.Transport, opts Options, framed bool) core.Engine {
	return &xo5Engine{t: t, opts: opts, framed: framed}
}

func (x *xo5Engine) startBlock() int {
	if x.opts.Target == TargetCFG1 {
		return xo5CFG1StartBlock
	}
	return xo5CFG0StartBlock
}

func (x *xo5Engine) GetVersion(ctx context.Context) (uint32, error) {
	b, err := x.cmd(ctx, []byte{0xC0}, 4)
	if err != nil {
		return 0, err
	}
	return beUint32(b), nil
}

// waitReady infers readiness from a zero dummy-byte read, spec §4.5.3.
func (x *xo5Engine) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(xo5ReadyTimeout)
	for {
		b, err := x.cmd(ctx, nil, 1)
		if err != nil {
			return err
		}
		if b[0] == 0x00 {
			return nil
		}
		if time.Now().After(deadline) {
			return errProtocol("XO5 dummy-byte readiness timed out after %s", xo5ReadyTimeout)
		}
		if err := sleepCtx(ctx, xo5ReadyPollPeriod); err != nil {
			return err
		}
	}
}

func (x *xo5Engine) eraseBlock(ctx context.Context, block int) error {
	_, err := x.cmd(ctx, []byte{0xD8, byte(block), 0x00, 0x00}, 0)
	return err
}

func (x *xo5Engine) programPage(ctx context.Context, block, page int, data []byte) error {
	cmd := append([]byte{0x02, byte(block), byte(page), 0x00}, padTo(data, xo5PageSize)...)
	if x.framed {
		return x.writeFramedInlineStatus(ctx, cmd)
	}
	_, err := x.cmd(ctx, cmd, 0)
	return err
}

func (x *xo5Engine) readPage(ctx context.Context, block, page int) ([]byte, error) {
	return x.cmd(ctx, []byte{0x0B, byte(block), byte(page), 0x00}, xo5PageSize)
}

// cmd sends write (appending the CRC-16 frame when x.framed is enabled,
// spec §4.5.4) and reads readLen bytes back, retrying up to 3x on a bad-CRC
// status response.
func (x *xo5Engine) cmd(ctx context.Context, write []byte, readLen int) ([]byte, error) {
	if !x.framed || write == nil {
		return x.t.SendReceive(write, readLen)
	}
	const maxCRCRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxCRCRetries; attempt++ {
		framed := appendCRC16(write)
		out, err := x.t.SendReceive(framed, readLen)
		if err != nil {
			return nil, err
		}
		status, err := x.t.SendReceive([]byte{0x3C}, 4)
		if err != nil {
			return nil, err
		}
		if status[2]&0x02 == 0 {
			return out, nil
		}
		lastErr = errProtocol("CRC-framed command rejected on attempt %d", attempt)
	}
	return nil, lastErr
}

// writeFramedInlineStatus handles the page-program opcode's inline CRC
// status (returned in the first response byte instead of a separate status
// read), spec §4.5.4.
func (x *xo5Engine) writeFramedInlineStatus(ctx context.Context, write []byte) error {
	const maxCRCRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxCRCRetries; attempt++ {
		framed := appendCRC16(write)
		resp, err := x.t.SendReceive(framed, 1)
		if err != nil {
			return err
		}
		if len(resp) > 0 && resp[0]&0x02 == 0 {
			return nil
		}
		lastErr = errProtocol("page-program CRC rejected on attempt %d", attempt)
	}
	return lastErr
}

func appendCRC16(write []byte) []byte {
	crc := crc16CCITT(write)
	return append(append([]byte(nil), write...), byte(crc>>8), byte(crc))
}

// enableCRCFraming issues opcode 0xFD 01 00 00, spec §4.5.4.
func (x *xo5Engine) enableCRCFraming(ctx context.Context) error {
	_, err := x.t.SendReceive([]byte{0xFD, 0x01, 0x00, 0x00}, 0)
	return err
}

func (x *xo5Engine) UpdateFirmware(ctx context.Context, image []byte, progress core.ProgressFunc) error {
	img, err := jed.Parse(bytes.NewReader(image), x.opts.ChipModel)
	if err != nil {
		return err
	}
	if err := img.VerifyChecksum(); err != nil {
		return err
	}
	progress(5)

	if x.framed {
		if err := x.enableCRCFraming(ctx); err != nil {
			return err
		}
	}

	if err := x.waitReady(ctx); err != nil {
		return err
	}
	progress(10)

	start := x.startBlock()
	for b := 0; b < xo5BlocksPerCfg; b++ {
		if err := x.eraseBlock(ctx, start+b); err != nil {
			return err
		}
		if err := x.waitReady(ctx); err != nil {
			return err
		}
	}
	progress(30)

	pages := chunk(img.CfgBytes, xo5PageSize)
	checkpoints := progressCheckpoints(len(pages), 30, 80)
	for i, data := range pages {
		block := start + i/xo5PagesPerBlock
		page := i % xo5PagesPerBlock
		if err := x.programPage(ctx, block, page, data); err != nil {
			return err
		}
		if err := x.waitReady(ctx); err != nil {
			return err
		}
		progress(checkpoints[i])
	}

	for i, data := range pages {
		block := start + i/xo5PagesPerBlock
		page := i % xo5PagesPerBlock
		readBack, err := x.readPage(ctx, block, page)
		if err != nil {
			return err
		}
		if !bytes.Equal(readBack, padTo(data, xo5PageSize)) {
			return errProtocol("XO5 verify mismatch at block %d page %d", block, page)
		}
	}
	progress(90)

	if x.framed {
		if err := x.verifySHA384(ctx, img.CfgBytes); err != nil {
			return err
		}
	}

	if _, err := x.GetVersion(ctx); err != nil {
		return err
	}
	progress(100)
	return nil
}

// verifySHA384 triggers a device-side digest (opcode 0x7C), reads the
// 48-byte result (opcode 0xE5), and compares it against a locally computed
// SHA-384 over the padded cfg image, spec §4.5.4.
func (x *xo5Engine) verifySHA384(ctx context.Context, cfg []byte) error {
	if _, err := x.t.SendReceive([]byte{0x7C}, 0); err != nil {
		return err
	}
	deviceDigest, err := x.t.SendReceive([]byte{0xE5}, 48)
	if err != nil {
		return err
	}
	padded := padTo(cfg, xo5BlocksPerCfg*xo5PagesPerBlock*xo5PageSize)
	sum := sha512.Sum384(padded)
	if !bytes.Equal(deviceDigest, sum[:]) {
		return errProtocol("SHA-384 post-program verification failed")
	}
	return nil
}
