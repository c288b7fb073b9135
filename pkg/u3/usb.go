package u3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	usbOutEndpoint = 1
	usbInEndpoint  = 2
	usbTimeout     = time.Second
)

// ErrNotFound is returned when no matching U3 is attached.
var ErrNotFound = errors.New("u3: no matching device found")

// usbTransport is a bulk-endpoint pipe to one U3.
type usbTransport struct {
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

func openTransport(dev *gousb.Device) (*usbTransport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("claim interface: %w", err)
	}
	out, err := intf.OutEndpoint(usbOutEndpoint)
	if err != nil {
		done()
		return nil, fmt.Errorf("out endpoint: %w", err)
	}
	in, err := intf.InEndpoint(usbInEndpoint)
	if err != nil {
		done()
		return nil, fmt.Errorf("in endpoint: %w", err)
	}
	return &usbTransport{dev: dev, done: done, out: out, in: in}, nil
}

func (t *usbTransport) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	return t.out.WriteContext(ctx, p)
}

func (t *usbTransport) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	return t.in.ReadContext(ctx, p)
}

func (t *usbTransport) Close() error {
	t.done()
	return t.dev.Close()
}

// USB owns the libusb context and the opened device.
type USB struct {
	*Device
	ctx *gousb.Context
}

// OpenUSB opens the U3 with the given serial number, or the first U3
// found when serial is 0.
func OpenUSB(serial uint32, logger *zap.Logger) (*USB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var found *Device
	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}

		t, err := openTransport(dev)
		if err != nil {
			logger.Warn("skipping U3", zap.Error(err))
			dev.Close()
			continue
		}

		d := New(t, logger)
		if err := d.Init(); err != nil {
			logger.Warn("skipping U3", zap.Error(err))
			d.Close()
			continue
		}
		if serial != 0 && d.Info().SerialNumber != serial {
			d.Close()
			continue
		}
		found = d
	}

	if found == nil {
		ctx.Close()
		if serial != 0 {
			return nil, fmt.Errorf("%w: serial %d", ErrNotFound, serial)
		}
		return nil, ErrNotFound
	}
	return &USB{Device: found, ctx: ctx}, nil
}

// Close closes the device and the libusb context.
func (u *USB) Close() error {
	return multierr.Append(u.Device.Close(), u.ctx.Close())
}
