// Package jed implements the Lattice JEDEC/JED text-format parser (C4),
// spec §4.5.1. No teacher analog exists for a JEDEC parser, so the parsing
// loop's texture (a plain line-by-line scanner with an explicit section
// state, not a lexer/grammar library) follows the plain-loop style of
// discovery.go more than any parsing library in the retrieval pack.
package jed

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fwupdate/internal/fwerr"
)

// Image is the parsed form of a JED file, spec §3.
type Image struct {
	FuseCount int
	CfgBytes  []byte
	UfmBytes  []byte
	UserCode  uint32
	Checksum  uint16
}

type section int

const (
	sectionNone section = iota
	sectionCfg
	sectionUfm
)

// Parse reads a JEDEC text file into an Image. chipModel, when non-empty, is
// matched against the "NOTE DEVICE NAME:" line; a mismatch yields WrongChip.
func Parse(r io.Reader, chipModel string) (*Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	img := &Image{}
	var bitBuf []byte
	sect := sectionNone
	sawCfgEnd := false
	expectUserCodeHex := false

	flush := func() {
		switch sect {
		case sectionCfg:
			img.CfgBytes = append(img.CfgBytes, packBits(bitBuf)...)
		case sectionUfm:
			img.UfmBytes = append(img.UfmBytes, packBits(bitBuf)...)
		}
		bitBuf = bitBuf[:0]
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case expectUserCodeHex:
			if strings.HasPrefix(line, "UH") {
				hexPart := strings.TrimSuffix(strings.TrimPrefix(line, "UH"), "*")
				v, err := strconv.ParseUint(hexPart, 16, 32)
				if err != nil {
					return nil, fwerr.New(fwerr.KindBadPackage, "invalid UH user code", err.Error())
				}
				img.UserCode = uint32(v)
				expectUserCodeHex = false
				continue
			}
			if line == "" {
				continue
			}
			expectUserCodeHex = false

		case strings.HasPrefix(line, "QF") && strings.HasSuffix(line, "*"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, "QF"), "*"))
			if err != nil {
				return nil, fwerr.New(fwerr.KindBadPackage, "invalid QF fuse count", err.Error())
			}
			img.FuseCount = n

		case line == "L0000" || strings.HasPrefix(line, "L0000*"):
			flush()
			sect = sectionCfg

		case strings.HasPrefix(line, "NOTE EBR_INIT DATA"):
			// identical binary sub-section, folded into the current section

		case strings.HasPrefix(line, "NOTE User Electronic"):
			expectUserCodeHex = true

		case strings.HasPrefix(line, "NOTE DEVICE NAME:"):
			if chipModel != "" && !strings.Contains(line, chipModel) {
				return nil, fwerr.New(fwerr.KindWrongChip, "JED device name does not match configured chip", line)
			}

		case strings.HasPrefix(line, "C") && strings.HasSuffix(line, "*") && isHexChecksumLine(line):
			flush()
			hexPart := strings.TrimSuffix(strings.TrimPrefix(line, "C"), "*")
			v, err := strconv.ParseUint(hexPart, 16, 16)
			if err != nil {
				return nil, fwerr.New(fwerr.KindBadPackage, "invalid checksum field", err.Error())
			}
			img.Checksum = uint16(v)

		case line == "":
			if sect == sectionCfg && !sawCfgEnd {
				flush()
				sawCfgEnd = true
				sect = sectionUfm
			}

		case isBinaryLine(line):
			bitBuf = append(bitBuf, line...)

		default:
			if sect == sectionCfg || sect == sectionUfm {
				flush()
				sect = sectionNone
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fwerr.Wrap(fwerr.KindBadPackage, "reading JED file", err)
	}
	flush()

	return img, nil
}

func isBinaryLine(line string) bool {
	if line == "" {
		return false
	}
	for _, c := range line {
		if c != '0' && c != '1' {
			return false
		}
	}
	return true
}

func isHexChecksumLine(line string) bool {
	hexPart := strings.TrimSuffix(strings.TrimPrefix(line, "C"), "*")
	if hexPart == "" {
		return false
	}
	_, err := strconv.ParseUint(hexPart, 16, 16)
	return err == nil
}

// packBits splits a string of '0'/'1' characters into 8-bit groups MSB-first.
func packBits(bits []byte) []byte {
	out := make([]byte, 0, (len(bits)+7)/8)
	for i := 0; i < len(bits); i += 8 {
		end := i + 8
		if end > len(bits) {
			end = len(bits)
		}
		var b byte
		for _, c := range bits[i:end] {
			b <<= 1
			if c == '1' {
				b |= 1
			}
		}
		if end-i < 8 {
			b <<= uint(8 - (end - i))
		}
		out = append(out, b)
	}
	return out
}

// ReverseBits reverses the bit order of a single byte.
func ReverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// VerifyChecksum implements spec §4.5.1's checksum rule: the sum of
// reverseBits(byte) over cfg||ufm, truncated to 16 bits. A zero checksum is
// always rejected, matching spec §4.5.1.
func (img *Image) VerifyChecksum() error {
	var sum uint32
	for _, b := range img.CfgBytes {
		sum += uint32(ReverseBits(b))
	}
	for _, b := range img.UfmBytes {
		sum += uint32(ReverseBits(b))
	}
	computed := uint16(sum)
	if computed == 0 {
		return fwerr.New(fwerr.KindBadPackage, "JED checksum is zero")
	}
	if computed != img.Checksum {
		return fwerr.New(fwerr.KindBadPackage, fmt.Sprintf("JED checksum mismatch: computed 0x%04X, file has 0x%04X", computed, img.Checksum))
	}
	return nil
}
