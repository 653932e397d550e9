package cpld

import (
	"context"
	"crypto/sha512"
	"testing"

	"fwupdate/pkg/fwupdate/transport"
)

// fakeXO5Transport models spec §8 scenario 5's XO5/XO5v2 device: always
// ready, echoes whatever was last programmed into a given block/page, and
// (when crcFraming is armed by 0xFD) reports CRC status as always-good.
type fakeXO5Transport struct {
	opcodes    []byte
	pages      map[[2]int][]byte
	crcFramed  bool
	sha384Want [48]byte
}

func newFakeXO5Transport() *fakeXO5Transport {
	return &fakeXO5Transport{pages: make(map[[2]int][]byte)}
}

func (f *fakeXO5Transport) Open(int, uint8) error { return nil }
func (f *fakeXO5Transport) Close() error          { return nil }

func (f *fakeXO5Transport) SetTracer(*transport.Tracer) {}

func (f *fakeXO5Transport) SendReceive(write []byte, readLen int) ([]byte, error) {
	if len(write) == 0 {
		if readLen == 1 {
			return []byte{0x00}, nil // waitReady dummy byte: always ready
		}
		return make([]byte, readLen), nil
	}
	f.opcodes = append(f.opcodes, write[0])
	switch write[0] {
	case 0xC0:
		return []byte{0xDE, 0xAD, 0xBE, 0xEF}, nil
	case 0xD8:
		return nil, nil
	case 0x02:
		block, page := int(write[1]), int(write[2])
		payload := write[4:]
		if f.crcFramed {
			payload = payload[:len(payload)-2] // strip appended CRC-16
		}
		f.pages[[2]int{block, page}] = append([]byte(nil), payload...)
		if f.crcFramed {
			return []byte{0x00}, nil // inline status byte, bit 0x02 clear
		}
		return nil, nil
	case 0x0B:
		block, page := int(write[1]), int(write[2])
		out := make([]byte, xo5PageSize)
		copy(out, f.pages[[2]int{block, page}])
		return out, nil
	case 0xFD:
		f.crcFramed = true
		return nil, nil
	case 0x3C:
		return []byte{0x00, 0x00, 0x00, 0x00}, nil
	case 0x7C:
		return nil, nil
	case 0xE5:
		return append([]byte(nil), f.sha384Want[:]...), nil
	default:
		return make([]byte, readLen), nil
	}
}

func buildJEDFor16ByteCfg() []byte {
	// 16 bytes of 0xFF: each line packs 64 bits (8 bytes); two lines give
	// 128 bits = 16 bytes. checksum = (16 * 0xFF) truncated to 16 bits = 0x0FF0.
	var sb []byte
	sb = append(sb, []byte("QF128*\nL0000\n")...)
	line := ""
	for i := 0; i < 8; i++ {
		line += "11111111"
	}
	for p := 0; p < 2; p++ {
		sb = append(sb, []byte(line+"\n")...)
	}
	sb = append(sb, []byte("\nC0FF0*\n")...)
	return sb
}

func TestXO5UpdateFirmwarePlain(t *testing.T) {
	ft := newFakeXO5Transport()
	engine := newXO5Engine(ft, Options{}, false)

	var progressValues []int
	err := engine.UpdateFirmware(context.Background(), buildJEDFor16ByteCfg(), func(p int) {
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

	var eraseCount int
	for _, op := range ft.opcodes {
		if op == 0xD8 {
			eraseCount++
		}
	}
	if eraseCount != xo5BlocksPerCfg {
		t.Fatalf("erase count = %d, want %d", eraseCount, xo5BlocksPerCfg)
	}
}

func TestXO5v2UpdateFirmwareFramedWithSHA384(t *testing.T) {
	ft := newFakeXO5Transport()
	img := buildJEDFor16ByteCfg()

	padded := padTo([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		xo5BlocksPerCfg*xo5PagesPerBlock*xo5PageSize)
	ft.sha384Want = sha512.Sum384(padded)

	engine := newXO5Engine(ft, Options{}, true)
	var progressValues []int
	err := engine.UpdateFirmware(context.Background(), img, func(p int) {
		progressValues = append(progressValues, p)
	})
	if err != nil {
		t.Fatalf("UpdateFirmware: %v", err)
	}
	if progressValues[len(progressValues)-1] != 100 {
		t.Fatalf("progress did not terminate at 100: %v", progressValues)
	}
	if !ft.crcFramed {
		t.Fatalf("expected CRC framing to have been enabled")
	}

	var sawSHA384 bool
	for _, op := range ft.opcodes {
		if op == 0x7C {
			sawSHA384 = true
		}
	}
	if !sawSHA384 {
		t.Fatalf("expected a SHA-384 trigger opcode 0x7C, got %X", ft.opcodes)
	}
}

func TestXO5GetVersion(t *testing.T) {
	ft := newFakeXO5Transport()
	engine := newXO5Engine(ft, Options{}, false)
	v, err := engine.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != 0xDEADBEEF {
		t.Fatalf("version = 0x%08X, want 0xDEADBEEF", v)
	}
}
