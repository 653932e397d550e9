// usb_bridge.go — a bench-strategy C1 backend: a USB-to-I²C bridge probe,
// opened by VID/PID the way usb_device.go opens a USB ASIC. Used on bring-up
// benches where the target bus is only reachable through a USB debug probe.
package transport

import (
	"context"
	"time"

	"github.com/google/gousb"

	"fwupdate/internal/fwerr"
)

const usbReadTimeout = 2 * time.Second

// USBBridge drives a bus over a USB-to-I²C bridge probe via gousb.
type USBBridge struct {
	guard
	cfg   Config
	ctx   *gousb.Context
	dev   *gousb.Device
	cfgh  *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

func NewUSBBridge(cfg Config) *USBBridge {
	return &USBBridge{cfg: cfg}
}

func (u *USBBridge) Open(bus int, addr uint8) error {
	if err := u.guard.claim(); err != nil {
		return err
	}
	u.cfg.Bus, u.cfg.Addr = bus, addr

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(u.cfg.USBVendorID), gousb.ID(u.cfg.USBProduct))
	if err != nil || dev == nil {
		ctx.Close()
		u.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "open USB-I2C bridge", err)
	}

	cfgh, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		u.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "set USB bridge config", err)
	}
	intf, err := cfgh.Interface(0, 0)
	if err != nil {
		cfgh.Close()
		dev.Close()
		ctx.Close()
		u.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "claim USB bridge interface", err)
	}
	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		cfgh.Close()
		dev.Close()
		ctx.Close()
		u.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "open bridge OUT endpoint", err)
	}
	epIn, err := intf.InEndpoint(1)
	if err != nil {
		intf.Close()
		cfgh.Close()
		dev.Close()
		ctx.Close()
		u.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "open bridge IN endpoint", err)
	}

	u.ctx, u.dev, u.cfgh, u.intf, u.epOut, u.epIn = ctx, dev, cfgh, intf, epOut, epIn
	return nil
}

func (u *USBBridge) SendReceive(write []byte, readLen int) ([]byte, error) {
	if err := u.guard.requireOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := u.guard.trace("usb-bridge.SendReceive", func() error {
		return retry(u.cfg.MaxRetries, func() error {
			if len(write) > 0 {
				if _, err := u.epOut.Write(write); err != nil {
					return err
				}
			}
			if readLen > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), usbReadTimeout)
				defer cancel()
				buf := make([]byte, readLen)
				n, err := u.epIn.ReadContext(ctx, buf)
				if err != nil {
					return err
				}
				out = buf[:n]
			} else {
				out = []byte{}
			}
			return nil
		})
	})
	return out, err
}

func (u *USBBridge) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfgh != nil {
		u.cfgh.Close()
	}
	if u.dev != nil {
		u.dev.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	u.guard.release()
	return nil
}
