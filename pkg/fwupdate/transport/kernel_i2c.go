// kernel_i2c.go — the primary C1 backend: a Linux /dev/i2c-<bus> character
// device, targeted once via the I2C_SLAVE ioctl when it is opened. Grounded on
// kernel_device.go's open/init/SendPacket/ReadPacket shape, but driving the
// bus through golang.org/x/sys/unix instead of the raw syscall package.
package transport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"fwupdate/internal/fwerr"
)

// i2cSlave is Linux's I2C_SLAVE ioctl request number (see
// <linux/i2c-dev.h>); golang.org/x/sys/unix does not export I2C-specific
// constants, so it is declared here the same way the teacher's ioctl.go
// declares its own command set.
const i2cSlave = 0x0703

// KernelI2C opens a numbered Linux I²C bus device and targets one 7-bit
// address via ioctl at Open; later transfers reuse that target.
type KernelI2C struct {
	guard
	cfg Config
	fd  int
}

// NewKernelI2C constructs the backend; Open performs the actual device open.
func NewKernelI2C(cfg Config) *KernelI2C {
	return &KernelI2C{cfg: cfg, fd: -1}
}

func (k *KernelI2C) Open(bus int, addr uint8) error {
	if err := k.guard.claim(); err != nil {
		return err
	}
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		k.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "open "+path, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		unix.Close(fd)
		k.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "I2C_SLAVE ioctl", err)
	}
	k.fd = fd
	k.cfg.Bus, k.cfg.Addr = bus, addr
	return nil
}

func (k *KernelI2C) SendReceive(write []byte, readLen int) ([]byte, error) {
	if err := k.guard.requireOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := k.guard.trace("kernel-i2c.SendReceive", func() error {
		return retry(k.cfg.MaxRetries, func() error {
			if len(write) > 0 {
				if _, err := unix.Write(k.fd, write); err != nil {
					return err
				}
			}
			if readLen > 0 {
				buf := make([]byte, readLen)
				n, err := unix.Read(k.fd, buf)
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

func (k *KernelI2C) Close() error {
	if k.fd >= 0 {
		err := unix.Close(k.fd)
		k.fd = -1
		k.guard.release()
		return err
	}
	return nil
}
