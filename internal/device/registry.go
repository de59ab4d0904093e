package device

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// knownPairing is one (vendor, product) combination the registry enumerates
// on every discovery pass.
type knownPairing struct {
	vendorID, productID int
	status              Status
}

var pairings = []knownPairing{
	{VendorID, ProductIDNormal, StatusConnected},
	{VendorID, ProductIDBootload, StatusBootloader},
	{AltVendorID, AltProductID, StatusConnected},
}

// Registry tracks all candidate devices on the bus, owns open handles, and
// provides waiting primitives other components use to synchronize with
// bus-visible state changes. It holds no lock across blocking USB I/O; the
// mutex here only ever guards map mutations.
type Registry struct {
	mu           sync.RWMutex
	records      map[string]*Record
	handles      map[string]Handle
	pollInterval time.Duration
	logger       *log.Logger

	// Bus access points, swappable so tests can run without hardware.
	enumerate func(vendorID, productID int) ([]discoveredDevice, error)
	open      func(vendorID, productID int, busPath string) (Handle, string, error)
}

func NewRegistry(pollInterval time.Duration) *Registry {
	return &Registry{
		records:      make(map[string]*Record),
		handles:      make(map[string]Handle),
		pollInterval: pollInterval,
		logger:       log.New(log.Writer(), "[registry] ", log.LstdFlags),
		enumerate:    enumerateUSB,
		open: func(vendorID, productID int, busPath string) (Handle, string, error) {
			return openUSBHandle(vendorID, productID, busPath)
		},
	}
}

// Discover enumerates every known vendor/product pairing and folds the
// union into the record table. A record previously seen but absent from two
// consecutive scans transitions to disconnected. Enumeration errors are
// logged and treated as an empty result for that pairing, never fatal.
func (r *Registry) Discover() []Record {
	seen := make(map[string]bool)

	for _, pairing := range pairings {
		devices, err := r.enumerate(pairing.vendorID, pairing.productID)
		if err != nil {
			r.logger.Printf("enumerate %04x:%04x: %v", pairing.vendorID, pairing.productID, err)
			continue
		}
		for _, dev := range devices {
			if dev.Serial == "" {
				continue
			}
			seen[dev.Serial] = true
			r.touch(dev, pairing.vendorID, pairing.productID, pairing.status)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for serial, rec := range r.records {
		if seen[serial] {
			rec.missCount = 0
			continue
		}
		rec.missCount++
		if rec.missCount >= 2 && rec.Status != StatusDisconnected {
			rec.Status = StatusDisconnected
		}
	}

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) touch(dev discoveredDevice, vendorID, productID int, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, exists := r.records[dev.Serial]
	if !exists {
		rec = &Record{VendorID: vendorID, ProductID: productID, Serial: dev.Serial}
		r.records[dev.Serial] = rec
	}
	// The bus address and product id can both change across sightings: a
	// replug lands on a new address, and a reboot into the bootloader
	// re-enumerates under the other product id.
	rec.VendorID = vendorID
	rec.ProductID = productID
	rec.BusPath = dev.BusPath
	rec.Status = status
	rec.LastSeen = time.Now()
	rec.missCount = 0
}

// Connect opens the bus path recorded for a known, non-disconnected serial
// and stores the handle. Fails if the serial is unknown or disconnected, or
// if the device found at that path reports a different serial (the record
// is stale and the caller must re-discover).
func (r *Registry) Connect(serial string) bool {
	r.mu.RLock()
	rec, exists := r.records[serial]
	var vendorID, productID int
	var busPath string
	if exists {
		vendorID, productID, busPath = rec.VendorID, rec.ProductID, rec.BusPath
	}
	disconnected := exists && rec.Status == StatusDisconnected
	r.mu.RUnlock()
	if !exists || disconnected {
		r.logger.Printf("cannot connect %s: unknown or disconnected", serial)
		return false
	}

	handle, actualSerial, err := r.open(vendorID, productID, busPath)
	if err != nil {
		r.logger.Printf("connect %s failed: %v", serial, err)
		return false
	}
	if actualSerial != "" && actualSerial != serial {
		handle.Close()
		r.logger.Printf("connect %s: device at %s reports serial %s, record is stale", serial, busPath, actualSerial)
		return false
	}

	r.mu.Lock()
	r.handles[serial] = handle
	r.mu.Unlock()
	return true
}

// Disconnect is idempotent: a missing handle is success.
func (r *Registry) Disconnect(serial string) bool {
	r.mu.Lock()
	handle, exists := r.handles[serial]
	if exists {
		delete(r.handles, serial)
	}
	r.mu.Unlock()

	if !exists {
		return true
	}
	if err := handle.Close(); err != nil {
		r.logger.Printf("close %s: %v", serial, err)
		return false
	}
	return true
}

// DisconnectAll tears down every open handle, used at orchestrator shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	serials := make([]string, 0, len(r.handles))
	for serial := range r.handles {
		serials = append(serials, serial)
	}
	r.mu.RUnlock()
	for _, serial := range serials {
		r.Disconnect(serial)
	}
}

func (r *Registry) IsConnected(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[serial]
	return ok
}

func (r *Registry) Handle(serial string) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[serial]
}

func (r *Registry) Info(serial string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[serial]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// WaitFor polls Discover at the configured interval until the serial's
// record reaches expectedStatus (or, if unspecified, any connected-like
// status) or the timeout elapses.
func (r *Registry) WaitFor(serial string, timeout time.Duration, expectedStatus *Status) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.Discover()
		if rec, ok := r.Info(serial); ok {
			if expectedStatus != nil {
				if rec.Status == *expectedStatus {
					return true
				}
			} else if rec.Status == StatusConnected || rec.Status == StatusBootloader {
				return true
			}
		}
		time.Sleep(r.pollInterval)
	}
	return false
}

// WaitForReconnection waits for the serial to reach connected status, then
// reopens its handle; both steps must succeed.
func (r *Registry) WaitForReconnection(serial string, timeout time.Duration) bool {
	connected := StatusConnected
	if !r.WaitFor(serial, timeout, &connected) {
		return false
	}
	return r.Connect(serial)
}

// WaitForBootloaderMode is a thin alias used by the flash supervisor for
// readability at call sites.
func (r *Registry) WaitForBootloaderMode(serial string, timeout time.Duration) bool {
	bootloader := StatusBootloader
	return r.WaitFor(serial, timeout, &bootloader)
}

// WaitForDisconnect polls Discover until the serial's record reaches
// disconnected status or the timeout elapses; used by the flash supervisor's
// bootloader-entry phase to observe the device dropping off the bus before
// it reappears in bootloader mode.
func (r *Registry) WaitForDisconnect(serial string, timeout time.Duration) bool {
	disconnected := StatusDisconnected
	return r.WaitFor(serial, timeout, &disconnected)
}

// Records returns a snapshot of every device the registry has ever seen,
// without triggering a new bus scan.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry{devices=%d, handles=%d}", len(r.records), len(r.handles))
}
