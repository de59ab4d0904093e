package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// EncodeCommand builds the 64-byte HID output report for a command. The
// checksum is additive (kind + seq + length, mod 256), not a CRC.
func EncodeCommand(cmd Command) ([ReportSize]byte, error) {
	var report [ReportSize]byte

	payloadJSON, err := json.Marshal(cmd.Payload)
	if err != nil {
		return report, fmt.Errorf("encode payload: %w", err)
	}
	length := len(payloadJSON)
	if length > MaxPayloadLen {
		length = MaxPayloadLen
	}

	checksum := byte((int(cmd.Kind) + int(cmd.SequenceID) + length) & 0xFF)

	report[0] = byte(cmd.Kind)
	report[1] = cmd.SequenceID
	report[2] = byte(length)
	report[3] = checksum
	copy(report[4:4+length], payloadJSON[:length])

	return report, nil
}

// DecodeResponse parses an inbound 64-byte report as a TEST_RESPONSE: line.
// It returns ok=false (no error) for reports that are ordinary log lines.
func DecodeResponse(report [ReportSize]byte) (resp Response, ok bool, err error) {
	text := strings.TrimRight(string(report[:]), "\x00")
	if !strings.HasPrefix(text, ResponseTagPrefix) {
		return Response{}, false, nil
	}

	var raw struct {
		CommandID int            `json:"command_id"`
		Status    int            `json:"status"`
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
	}
	jsonPart := text[len(ResponseTagPrefix):]
	if err := json.Unmarshal([]byte(jsonPart), &raw); err != nil {
		return Response{}, false, fmt.Errorf("decode response json: %w", err)
	}

	return Response{
		SequenceID:   uint8(raw.CommandID),
		Status:       ResponseStatus(raw.Status),
		ResponseType: raw.Type,
		Data:         raw.Data,
		ReceivedAt:   time.Now(),
	}, true, nil
}

// WireObserver receives wire-level traffic as it happens: correlation data
// for commands and responses (so the Monitoring Bus can compute latencies
// without the Protocol Layer importing it directly) and the unstructured log
// lines interleaved with responses on the inbound stream.
type WireObserver interface {
	CommandSent(serial string, cmd Command, correlationID string, sentAt time.Time)
	ResponseReceived(serial string, resp Response, correlationID string)
	LogLine(serial, line string)
}

type pendingEntry struct {
	command   Command
	sentAt    time.Time
	correlate string
}

// Protocol multiplexes commands and responses over device handles owned by
// a Registry. One Protocol instance serves all devices; per-device state
// lives behind a single mutex, matching the "no nested locks, no I/O under
// lock" rule used throughout this codebase.
type Protocol struct {
	registry *Registry
	observer WireObserver

	mu       sync.Mutex
	sequence map[string]uint8
	pending  map[string]map[uint8]pendingEntry
	logBuf   map[string][]string

	logger *log.Logger
}

// maxBufferedLogLines caps the per-device log buffer so a chatty device
// cannot grow it without bound between drains.
const maxBufferedLogLines = 200

func NewProtocol(registry *Registry, observer WireObserver) *Protocol {
	return &Protocol{
		registry: registry,
		observer: observer,
		sequence: make(map[string]uint8),
		pending:  make(map[string]map[uint8]pendingEntry),
		logBuf:   make(map[string][]string),
		logger:   log.New(log.Writer(), "[protocol] ", log.LstdFlags),
	}
}

// nextSequenceID hands out the next sequence id for a device, skipping ids
// still held by pending commands so an id is only ever reused after its
// command left the pending set.
func (p *Protocol) nextSequenceID(serial string) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[serial] == nil {
		p.pending[serial] = make(map[uint8]pendingEntry)
	}
	seq := p.sequence[serial]
	for i := 0; i < 256; i++ {
		seq++
		if _, inFlight := p.pending[serial][seq]; !inFlight {
			p.sequence[serial] = seq
			return seq, true
		}
	}
	return 0, false
}

// Send assigns a sequence id, tracks the command in the pending map, and
// writes it to the device's handle. On short write or error it rolls back
// the pending entry and returns false.
func (p *Protocol) Send(serial string, cmd Command) (Command, bool) {
	handle := p.registry.Handle(serial)
	if handle == nil {
		p.logger.Printf("device %s not connected, cannot send", serial)
		return cmd, false
	}

	seq, ok := p.nextSequenceID(serial)
	if !ok {
		p.logger.Printf("sequence space exhausted for %s", serial)
		return cmd, false
	}
	cmd.SequenceID = seq

	report, err := EncodeCommand(cmd)
	if err != nil {
		p.logger.Printf("encode command for %s: %v", serial, err)
		return cmd, false
	}

	correlationID := fmt.Sprintf("%s-%d-%d", serial, cmd.SequenceID, time.Now().UnixNano())
	sentAt := time.Now()

	p.mu.Lock()
	p.pending[serial][cmd.SequenceID] = pendingEntry{command: cmd, sentAt: sentAt, correlate: correlationID}
	p.mu.Unlock()

	if err := handle.Write(report); err != nil {
		p.mu.Lock()
		delete(p.pending[serial], cmd.SequenceID)
		p.mu.Unlock()
		p.logger.Printf("write to %s failed: %v", serial, err)
		return cmd, false
	}

	if p.observer != nil {
		p.observer.CommandSent(serial, cmd, correlationID, sentAt)
	}
	return cmd, true
}

// Read drains all currently-available input reports for a device,
// buffering unstructured log lines and returning newly decoded responses.
// It evicts matched entries from the pending map. Log lines are forwarded to
// the observer and kept in a bounded buffer until DrainLogMessages is called.
func (p *Protocol) Read(serial string) []Response {
	handle := p.registry.Handle(serial)
	if handle == nil {
		return nil
	}

	var lines []string
	for {
		report, ok, err := handle.Read()
		if err != nil {
			p.logger.Printf("read from %s failed: %v", serial, err)
			break
		}
		if !ok {
			break
		}
		text := string(bytes.TrimRight(report[:], "\x00"))
		if text != "" {
			lines = append(lines, text)
		}
	}

	var responses []Response
	var logLines []string
	for _, line := range lines {
		var report [ReportSize]byte
		copy(report[:], line)
		resp, ok, err := DecodeResponse(report)
		if err != nil {
			// A malformed tagged line can never decode later; drop it.
			p.logger.Printf("decode response from %s: %v", serial, err)
			continue
		}
		if !ok {
			logLines = append(logLines, line)
			continue
		}
		responses = append(responses, resp)
	}

	type matched struct {
		resp      Response
		correlate string
	}
	var notify []matched

	p.mu.Lock()
	buf := append(p.logBuf[serial], logLines...)
	if len(buf) > maxBufferedLogLines {
		buf = buf[len(buf)-maxBufferedLogLines:]
	}
	p.logBuf[serial] = buf

	for _, resp := range responses {
		if entry, exists := p.pending[serial][resp.SequenceID]; exists {
			notify = append(notify, matched{resp: resp, correlate: entry.correlate})
			delete(p.pending[serial], resp.SequenceID)
		}
	}
	p.mu.Unlock()

	if p.observer != nil {
		for _, line := range logLines {
			p.observer.LogLine(serial, line)
		}
		for _, m := range notify {
			p.observer.ResponseReceived(serial, m.resp, m.correlate)
		}
	}

	return responses
}

// DrainLogMessages returns and clears the buffered unstructured log lines
// for a device.
func (p *Protocol) DrainLogMessages(serial string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := p.logBuf[serial]
	delete(p.logBuf, serial)
	return lines
}

// WaitForResponse polls Read at a fixed interval until a response with the
// given sequence id arrives or the deadline expires.
func (p *Protocol) WaitForResponse(serial string, seq uint8, timeout time.Duration) (Response, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, resp := range p.Read(serial) {
			if resp.SequenceID == seq {
				return resp, true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	p.logger.Printf("timeout waiting for response to command %d on %s", seq, serial)
	return Response{}, false
}

// SendAndWait composes Send and WaitForResponse.
func (p *Protocol) SendAndWait(serial string, cmd Command, timeout time.Duration) (Response, bool) {
	sent, ok := p.Send(serial, cmd)
	if !ok {
		return Response{}, false
	}
	return p.WaitForResponse(serial, sent.SequenceID, timeout)
}

// PendingCount reports how many commands are awaiting a response for a
// device.
func (p *Protocol) PendingCount(serial string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[serial])
}

// Command constructors mirroring the device's recognized command kinds.

func NewBootloaderCommand(timeoutMs int) Command {
	return Command{Kind: KindEnterBootloader, Payload: map[string]any{"timeout_ms": timeoutMs}}
}

func NewSystemStateQuery(queryType string) Command {
	return Command{Kind: KindSystemStateQuery, Payload: map[string]any{"query_type": queryType}}
}

func NewExecuteTestCommand(testType int, parameters map[string]any) Command {
	return Command{Kind: KindExecuteTest, Payload: map[string]any{
		"test_type":  testType,
		"parameters": parameters,
	}}
}

func NewConfigurationQuery(section string) Command {
	return Command{Kind: KindConfigurationQuery, Payload: map[string]any{"section": section}}
}

func NewPerformanceMetricsCommand() Command {
	return Command{Kind: KindPerformanceMetrics, Payload: map[string]any{}}
}
