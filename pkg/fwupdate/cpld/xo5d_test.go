package cpld

import (
	"context"
	"testing"

	"fwupdate/pkg/fwupdate/transport"
)

// fakeXO5DTransport models the framed OOB command protocol's device side:
// every write is one full frame; response is [status][payload...], with no
// artificial busy/dryRun delay so the happy path completes in one round.
type fakeXO5DTransport struct {
	cmds        []byte // cmdId of every frame sent
	erasedImage byte
	programmed  []byte
	primaryImg  byte
	running     byte // currently active image bank
}

func newFakeXO5DTransport() *fakeXO5DTransport {
	return &fakeXO5DTransport{running: 0}
}

func (f *fakeXO5DTransport) Open(int, uint8) error { return nil }
func (f *fakeXO5DTransport) Close() error          { return nil }

func (f *fakeXO5DTransport) SetTracer(*transport.Tracer) {}

func (f *fakeXO5DTransport) SendReceive(write []byte, readLen int) ([]byte, error) {
	if len(write) == 0 {
		// status poll immediately following the command just sent.
		switch f.cmds[len(f.cmds)-1] {
		case cmdCheckRunningImage:
			return []byte{xo5dStatusSuccess, f.running, 0, 0, 0}, nil
		case cmdGetDryRunResult:
			return []byte{xo5dStatusSuccess, xo5dDryRunResultSuccess}, nil
		default:
			return []byte{xo5dStatusSuccess}, nil
		}
	}
	// write is a full frame: [0xA5][cmdId][flags:2][len][payload...][checksum]
	cmdID := write[1]
	f.cmds = append(f.cmds, cmdID)
	payloadLen := int(write[4])
	payload := write[5 : 5+payloadLen]
	switch cmdID {
	case cmdEraseImage:
		f.erasedImage = payload[0]
	case cmdProgramImage:
		f.programmed = append(f.programmed, payload...)
	case cmdSetPrimaryImage:
		f.primaryImg = payload[0]
	}
	return nil, nil
}

func TestXO5DUpdateFirmwareEndToEnd(t *testing.T) {
	ft := newFakeXO5DTransport()
	engine := newXO5DEngine(ft, Options{})

	image := make([]byte, xo5dMaxFragment*2+10) // forces 3 fragments
	for i := range image {
		image[i] = byte(i)
	}

	var progressValues []int
	err := engine.UpdateFirmware(context.Background(), image, func(p int) {
		progressValues = append(progressValues, p)
	})
	if err != nil {
		t.Fatalf("UpdateFirmware: %v", err)
	}
	if progressValues[len(progressValues)-1] != 100 {
		t.Fatalf("progress did not terminate at 100: %v", progressValues)
	}
	for i := 1; i < len(progressValues); i++ {
		if progressValues[i] < progressValues[i-1] {
			t.Fatalf("progress not monotonic: %v", progressValues)
		}
	}

	if ft.erasedImage != 1 {
		t.Fatalf("expected erase to target the non-running image bank (1), got %d", ft.erasedImage)
	}
	if ft.primaryImg != 1 {
		t.Fatalf("expected the newly programmed image bank (1) to be set primary, got %d", ft.primaryImg)
	}
	if len(ft.programmed) != len(image) {
		t.Fatalf("programmed %d bytes, want %d", len(ft.programmed), len(image))
	}
	for i := range image {
		if ft.programmed[i] != image[i] {
			t.Fatalf("programmed byte %d mismatch: got %02X want %02X", i, ft.programmed[i], image[i])
		}
	}

	want := []byte{cmdCheckRunningImage, cmdEraseImage, cmdProgramImage, cmdProgramImage, cmdProgramImage,
		cmdDryRunImage, cmdGetDryRunResult, cmdSetPrimaryImage}
	if len(ft.cmds) != len(want) {
		t.Fatalf("command sequence length = %d, want %d (%v vs %v)", len(ft.cmds), len(want), ft.cmds, want)
	}
	for i := range want {
		if ft.cmds[i] != want[i] {
			t.Fatalf("cmds[%d] = 0x%02X, want 0x%02X (full: %v)", i, ft.cmds[i], want[i], ft.cmds)
		}
	}
}

func TestXO5DGetVersion(t *testing.T) {
	ft := newFakeXO5DTransport()
	ft.running = 0
	engine := newXO5DEngine(ft, Options{})
	// GetVersion decodes the 4-byte payload following the status byte; the
	// fake's running-image response [status, running, 0, 0, 0] is long
	// enough for that, so no override of the fake is needed.
	v, err := engine.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	_ = v // value depends on fakeXO5DTransport's fixed running-image response; only errors matter here
}
