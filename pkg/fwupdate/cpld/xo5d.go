package cpld

import (
	"context"
	"time"

	"fwupdate/pkg/fwupdate/cpld/core"
	"fwupdate/pkg/fwupdate/transport"
)

const (
	xo5dMaxFragment      = 245
	xo5dStatusPeriod     = 200 * time.Millisecond
	xo5dMaxStatusRetries = 30
	xo5dMaxDryRunRetries = 30
	xo5dFrameMarker      = 0xA5
)

// xo5d status codes, spec §4.5.5.
const (
	xo5dStatusSuccess          = 0x00
	xo5dStatusBusy             = 0x01
	xo5dStatusDryRun           = 0x02
	xo5dStatusChecksumError    = 0x03
	xo5dStatusInvalidCommand   = 0x04
	xo5dStatusInvalidArguments = 0x05
	xo5dStatusTimeoutNoPacket  = 0x06
)

const xo5dDryRunResultSuccess = 0x00

// xo5d command IDs; the source names these by function, grounded the same
// way spec §4.5.5 narrates the flow.
const (
	cmdCheckRunningImage = 0x01
	cmdEraseImage        = 0x02
	cmdProgramImage      = 0x03
	cmdDryRunImage       = 0x04
	cmdGetDryRunResult   = 0x05
	cmdSetPrimaryImage   = 0x06
)

// xo5dEngine implements the framed out-of-band command protocol, spec §4.5.5.
type xo5dEngine struct {
	t    transport.Transport
	opts Options
	seq  uint16
}

func newXO5DEngine(t transport.Transport, opts Options) core.Engine {
	return &xo5dEngine{t: t, opts: opts}
}

// frame builds [0xA5][cmdId][fragmentFlags:2 LE][len:1][payload][checksum:1],
// checksum being the 8-bit sum of all previous bytes.
func (x *xo5dEngine) frame(cmdID byte, fragmentFlags uint16, payload []byte) []byte {
	buf := []byte{xo5dFrameMarker, cmdID, byte(fragmentFlags), byte(fragmentFlags >> 8), byte(len(payload))}
	buf = append(buf, payload...)
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return append(buf, sum)
}

// sendFramed transmits one framed command and polls its status per spec
// §4.5.5's "200ms between status reads, up to 30 retries" policy, repeating
// the whole request up to 30 outer times on a dryRun status.
func (x *xo5dEngine) sendFramed(ctx context.Context, cmdID byte, fragmentFlags uint16, payload []byte) ([]byte, error) {
	var lastResp []byte
	for outer := 0; outer < xo5dMaxDryRunRetries; outer++ {
		frame := x.frame(cmdID, fragmentFlags, payload)
		if _, err := x.t.SendReceive(frame, 0); err != nil {
			return nil, err
		}

		status, resp, err := x.pollStatus(ctx)
		if err != nil {
			return nil, err
		}
		lastResp = resp
		if status == xo5dStatusDryRun {
			continue
		}
		if status != xo5dStatusSuccess {
			return nil, errProtocol("xo5d command 0x%02X failed with status 0x%02X", cmdID, status)
		}
		return lastResp, nil
	}
	return nil, errProtocol("xo5d command 0x%02X never left dryRun status", cmdID)
}

func (x *xo5dEngine) pollStatus(ctx context.Context) (byte, []byte, error) {
	for i := 0; i < xo5dMaxStatusRetries; i++ {
		resp, err := x.t.SendReceive(nil, 2)
		if err != nil {
			return 0, nil, err
		}
		if len(resp) < 1 {
			return 0, nil, errProtocol("xo5d status read returned no bytes")
		}
		status := resp[0]
		if status != xo5dStatusBusy && status != xo5dStatusTimeoutNoPacket {
			return status, resp[1:], nil
		}
		if err := sleepCtx(ctx, xo5dStatusPeriod); err != nil {
			return 0, nil, err
		}
	}
	return 0, nil, errProtocol("xo5d status polling exhausted %d retries", xo5dMaxStatusRetries)
}

func (x *xo5dEngine) nextSeq() uint16 {
	x.seq++
	return x.seq
}

// fragmentFlags packs first/last markers and a sequence number into the
// 2-byte field spec §4.5.5 describes.
func fragmentFlags(first, last bool, seq uint16) uint16 {
	var f uint16
	if first {
		f |= 1 << 0
	}
	if last {
		f |= 1 << 1
	}
	return f | (seq << 2)
}

func (x *xo5dEngine) GetVersion(ctx context.Context) (uint32, error) {
	resp, err := x.sendFramed(ctx, cmdCheckRunningImage, fragmentFlags(true, true, x.nextSeq()), nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, errProtocol("xo5d running-image response too short")
	}
	return beUint32(resp[:4]), nil
}

// UpdateFirmware runs spec §4.5.5's end-to-end flow:
// checkCurrentRunningImageStatus -> eraseNonActiveImage -> programCustomerImage
// (fragmented) -> dryRunCustomerImage -> getDryRunCustomerImageResult ->
// setPrimaryCustomerImage.
func (x *xo5dEngine) UpdateFirmware(ctx context.Context, image []byte, progress core.ProgressFunc) error {
	runningResp, err := x.sendFramed(ctx, cmdCheckRunningImage, fragmentFlags(true, true, x.nextSeq()), nil)
	if err != nil {
		return err
	}
	targetImage := otherImage(runningResp)
	progress(5)

	if _, err := x.sendFramed(ctx, cmdEraseImage, fragmentFlags(true, true, x.nextSeq()), []byte{targetImage}); err != nil {
		return err
	}
	progress(20)

	fragments := chunk(image, xo5dMaxFragment)
	checkpoints := progressCheckpoints(len(fragments), 20, 70)
	for i, frag := range fragments {
		first := i == 0
		last := i == len(fragments)-1
		if _, err := x.sendFramed(ctx, cmdProgramImage, fragmentFlags(first, last, x.nextSeq()), frag); err != nil {
			return err
		}
		progress(checkpoints[i])
	}

	if _, err := x.sendFramed(ctx, cmdDryRunImage, fragmentFlags(true, true, x.nextSeq()), []byte{targetImage}); err != nil {
		return err
	}
	progress(80)

	resultResp, err := x.sendFramed(ctx, cmdGetDryRunResult, fragmentFlags(true, true, x.nextSeq()), nil)
	if err != nil {
		return err
	}
	if len(resultResp) < 1 || resultResp[0] != xo5dDryRunResultSuccess {
		return errProtocol("xo5d dry-run result was not success")
	}
	progress(90)

	if _, err := x.sendFramed(ctx, cmdSetPrimaryImage, fragmentFlags(true, true, x.nextSeq()), []byte{targetImage}); err != nil {
		return err
	}
	progress(100)
	return nil
}

// otherImage selects the non-running image bank given the running-image
// status response's first byte as the current image id (0 or 1).
func otherImage(runningResp []byte) byte {
	if len(runningResp) > 0 && runningResp[0] == 0 {
		return 1
	}
	return 0
}
