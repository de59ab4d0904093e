package device

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

const (
	endpointOut = 0x01
	endpointIn  = 0x81
	readTimeout = 10 * time.Millisecond
)

// discoveredDevice is one enumeration sighting: the device's serial plus the
// bus address that distinguishes it from other devices sharing a VID/PID.
type discoveredDevice struct {
	Serial  string
	BusPath string
}

// busPathString renders a device's physical bus position. Two devices with
// the same VID/PID always differ here, so it serves as the open key.
func busPathString(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

// usbHandle implements Handle over a claimed gousb interface. Opening and
// claiming happens in Registry.Connect; usbHandle itself only moves bytes.
type usbHandle struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// openUSBHandle opens, configures, and claims the device at busPath,
// releasing every intermediate resource on any failure along the chain.
// With an empty busPath any device matching the VID/PID is taken.
func openUSBHandle(vendorID, productID int, busPath string) (*usbHandle, string, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if int(desc.Vendor) != vendorID || int(desc.Product) != productID {
			return false
		}
		return busPath == "" || busPathString(desc) == busPath
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, "", fmt.Errorf("open USB device %04x:%04x at %q: %w", vendorID, productID, busPath, err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, "", fmt.Errorf("USB device %04x:%04x at %q not present", vendorID, productID, busPath)
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}

	serial, _ := dev.SerialNumber()

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, serial, fmt.Errorf("set USB config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, serial, fmt.Errorf("claim USB interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(endpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, serial, fmt.Errorf("open OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(endpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, serial, fmt.Errorf("open IN endpoint: %w", err)
	}

	log.Printf("opened USB device %04x:%04x serial=%s path=%s", vendorID, productID, serial, busPath)

	return &usbHandle{ctx: ctx, device: dev, config: cfg, intf: intf, epOut: epOut, epIn: epIn}, serial, nil
}

func (h *usbHandle) Write(report [ReportSize]byte) error {
	n, err := h.epOut.Write(report[:])
	if err != nil {
		return fmt.Errorf("USB write failed: %w", err)
	}
	if n != ReportSize {
		return fmt.Errorf("USB short write: %d of %d bytes", n, ReportSize)
	}
	return nil
}

func (h *usbHandle) Read() ([ReportSize]byte, bool, error) {
	var report [ReportSize]byte
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	n, err := h.epIn.ReadContext(ctx, report[:])
	if err != nil {
		if ctx.Err() != nil {
			return report, false, nil
		}
		return report, false, fmt.Errorf("USB read failed: %w", err)
	}
	if n == 0 {
		return report, false, nil
	}
	return report, true, nil
}

func (h *usbHandle) Close() error {
	if h.intf != nil {
		h.intf.Close()
	}
	if h.config != nil {
		h.config.Close()
	}
	if h.device != nil {
		h.device.Close()
	}
	if h.ctx != nil {
		h.ctx.Close()
	}
	return nil
}

// enumerateUSB lists the serial and bus address of every device currently
// visible for a vendor/product pair, without claiming any of them. Used by
// Discover.
func enumerateUSB(vendorID, productID int) ([]discoveredDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []discoveredDevice
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return int(desc.Vendor) == vendorID && int(desc.Product) == productID
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("enumerate %04x:%04x: %w", vendorID, productID, err)
	}
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		found = append(found, discoveredDevice{Serial: serial, BusPath: busPathString(d.Desc)})
		d.Close()
	}
	return found, nil
}
