// Package sequencer drives a test configuration against one or more devices:
// dependency-gated execution, retries, timeouts, and sequential or
// bounded-parallel fan-out across devices.
package sequencer

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Status is the terminal (or in-flight) state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusSkipped   Status = "skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	default:
		return false
	}
}

// Step is an immutable description of one unit of work within a
// configuration. Name must be unique within its configuration; DependsOn
// names other steps in the same configuration, forming a DAG.
type Step struct {
	Name       string
	TestKind   int
	Parameters map[string]any
	Timeout    time.Duration
	RetryCount int
	Required   bool
	DependsOn  []string
}

// Configuration is an ordered list of steps plus execution-shape flags.
// Validate rejects cycles and dangling dependencies at submission time.
type Configuration struct {
	Name               string
	Description        string
	Steps              []Step
	ParallelExecution  bool
	MaxParallelDevices int
	GlobalTimeout      time.Duration
	SetupCommands      []string
	TeardownCommands   []string
}

// Validate checks that the dependency relation is acyclic and every named
// predecessor exists.
func (c Configuration) Validate() error {
	byName := make(map[string]Step, len(c.Steps))
	for _, s := range c.Steps {
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = s
	}
	for _, s := range c.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.Steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("dependency cycle detected at step %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range c.Steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}

// Responder executes one test step against a device and returns whatever a
// Protocol.SendAndWait-style call would: a response status and an ok flag
// indicating whether any response was received at all (false ⇒ timeout).
type Responder interface {
	ExecuteStep(serial string, step Step, timeout time.Duration) (status ResponseOutcome, ok bool)
}

// ResponseOutcome is the device-reported verdict for one attempt.
type ResponseOutcome struct {
	Success bool
	Message string
	Data    map[string]any
}

// Execution is the mutable per-(step,device) record.
type Execution struct {
	Step          Step
	DeviceSerial  string
	Status        Status
	StartTime     time.Time
	EndTime       time.Time
	ErrorMessage  string
	RetryAttempt  int
	ResponseData  map[string]any
}

func (e Execution) Duration() time.Duration {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Observer receives lifecycle events as the sequencer runs, mirroring the
// monitoring bus's event-driven update hooks (test-started, test-completed,
// test-failed).
type Observer interface {
	TestStarted(serial, stepName string)
	TestCompleted(serial, stepName string, exec Execution)
	TestFailed(serial, stepName string, exec Execution)
}

// Sequencer executes configurations against a device set.
type Sequencer struct {
	responder    Responder
	observer     Observer
	logger       *log.Logger
	retryBackoff time.Duration

	mu         sync.Mutex
	cancelled  map[string]bool // serial -> cancelled
}

func New(responder Responder, observer Observer) *Sequencer {
	return &Sequencer{
		responder:    responder,
		observer:     observer,
		logger:       log.New(log.Writer(), "[sequencer] ", log.LstdFlags),
		retryBackoff: 1 * time.Second,
		cancelled:    make(map[string]bool),
	}
}

// SetRetryBackoff overrides the pause inserted between retry attempts.
func (s *Sequencer) SetRetryBackoff(d time.Duration) {
	if d > 0 {
		s.retryBackoff = d
	}
}

// Cancel transitions any running execution on a device to failed with
// "execution cancelled"; cancelled workers notice at their next state check.
func (s *Sequencer) Cancel(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[serial] = true
}

func (s *Sequencer) isCancelled(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[serial]
}

// Execute runs a configuration against the given devices and returns every
// execution record, keyed by device serial.
func (s *Sequencer) Execute(config Configuration, devices []string, sender func(serial, command string)) (map[string][]Execution, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	globalTimeout := config.GlobalTimeout
	if globalTimeout <= 0 {
		globalTimeout = 0 // a zero deadline means every execution times out immediately (spec boundary behavior)
	}
	deadline := time.Now().Add(globalTimeout)

	s.runCommandBatch(devices, config.SetupCommands, sender)
	defer s.runCommandBatch(devices, config.TeardownCommands, sender)

	results := make(map[string][]Execution, len(devices))
	var mu sync.Mutex

	if config.ParallelExecution {
		maxWorkers := config.MaxParallelDevices
		if maxWorkers <= 0 || maxWorkers > len(devices) {
			maxWorkers = len(devices)
		}
		if maxWorkers == 0 {
			return results, nil
		}
		semaphore := make(chan struct{}, maxWorkers)
		var wg sync.WaitGroup
		for _, serial := range devices {
			wg.Add(1)
			semaphore <- struct{}{}
			go func(serial string) {
				defer wg.Done()
				defer func() { <-semaphore }()
				execs := s.runDeviceSequence(serial, config.Steps, deadline)
				mu.Lock()
				results[serial] = execs
				mu.Unlock()
			}(serial)
		}
		wg.Wait()
	} else {
		for _, serial := range devices {
			if time.Now().After(deadline) {
				results[serial] = s.timeoutAll(config.Steps, serial, "global timeout reached")
				continue
			}
			results[serial] = s.runDeviceSequence(serial, config.Steps, deadline)
		}
	}

	return results, nil
}

func (s *Sequencer) runCommandBatch(devices []string, commands []string, sender func(serial, command string)) {
	if sender == nil {
		return
	}
	for _, serial := range devices {
		for _, cmd := range commands {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Printf("setup/teardown command %q on %s panicked: %v", cmd, serial, r)
					}
				}()
				sender(serial, cmd)
			}()
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (s *Sequencer) timeoutAll(steps []Step, serial, message string) []Execution {
	now := time.Now()
	execs := make([]Execution, len(steps))
	for i, step := range steps {
		execs[i] = Execution{Step: step, DeviceSerial: serial, Status: StatusTimeout, StartTime: now, EndTime: now, ErrorMessage: message}
	}
	return execs
}

// runDeviceSequence runs every step of a configuration against one device,
// honoring dependencies, retries, and the device-level deadline. A required
// step that reaches a non-completed terminal state skips every subsequent
// not-yet-started step.
func (s *Sequencer) runDeviceSequence(serial string, steps []Step, deadline time.Time) []Execution {
	byName := make(map[string]Execution, len(steps))
	execs := make([]Execution, 0, len(steps))
	stopped := false

	for _, step := range steps {
		if s.isCancelled(serial) {
			exec := Execution{Step: step, DeviceSerial: serial, Status: StatusFailed, ErrorMessage: "execution cancelled"}
			execs = append(execs, exec)
			byName[step.Name] = exec
			continue
		}

		if time.Now().After(deadline) {
			exec := Execution{Step: step, DeviceSerial: serial, Status: StatusTimeout, ErrorMessage: "device execution timeout"}
			execs = append(execs, exec)
			byName[step.Name] = exec
			continue
		}

		if stopped {
			exec := Execution{Step: step, DeviceSerial: serial, Status: StatusSkipped}
			execs = append(execs, exec)
			byName[step.Name] = exec
			continue
		}

		if !s.shouldExecuteStep(step, byName) {
			exec := Execution{Step: step, DeviceSerial: serial, Status: StatusSkipped}
			execs = append(execs, exec)
			byName[step.Name] = exec
			continue
		}

		exec := s.executeSingleStep(serial, step, deadline)
		execs = append(execs, exec)
		byName[step.Name] = exec

		if exec.Status != StatusCompleted && step.Required {
			stopped = true
		}
	}
	return execs
}

func (s *Sequencer) shouldExecuteStep(step Step, byName map[string]Execution) bool {
	for _, dep := range step.DependsOn {
		exec, ok := byName[dep]
		if !ok || exec.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// executeSingleStep runs up to RetryCount+1 attempts, each bounded by
// min(step.Timeout, time remaining before the device deadline), pausing for
// the retry backoff between attempts. A 2-second buffer is reserved against
// the deadline so a retry that cannot possibly finish is never started.
func (s *Sequencer) executeSingleStep(serial string, step Step, deadline time.Time) Execution {
	maxAttempts := step.RetryCount + 1
	if s.observer != nil {
		s.observer.TestStarted(serial, step.Name)
	}

	var exec Execution
	attemptStart := time.Now()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		remaining := time.Until(deadline)
		testTimeout := step.Timeout
		if remaining < testTimeout {
			testTimeout = remaining
		}
		if testTimeout <= 0 {
			exec = Execution{Step: step, DeviceSerial: serial, Status: StatusTimeout, StartTime: attemptStart, EndTime: time.Now(), ErrorMessage: "device execution timeout", RetryAttempt: attempt}
			break
		}

		exec = Execution{Step: step, DeviceSerial: serial, Status: StatusRunning, StartTime: time.Now(), RetryAttempt: attempt}

		outcome, ok := s.responder.ExecuteStep(serial, step, testTimeout)
		exec.EndTime = time.Now()

		if s.isCancelled(serial) {
			exec.Status = StatusFailed
			exec.ErrorMessage = "execution cancelled"
			break
		}

		if !ok {
			exec.Status = StatusTimeout
			exec.ErrorMessage = "No response received (timeout)"
		} else if outcome.Success {
			exec.Status = StatusCompleted
			exec.ResponseData = outcome.Data
			if s.observer != nil {
				s.observer.TestCompleted(serial, step.Name, exec)
			}
			return exec
		} else {
			exec.Status = StatusFailed
			exec.ErrorMessage = fmt.Sprintf("Device returned error: %s", outcome.Message)
		}

		// Leave a 2s buffer against the device deadline so a retry that
		// cannot finish never starts.
		canRetry := attempt < maxAttempts-1 && time.Now().Add(2*time.Second).Before(deadline)
		if canRetry {
			time.Sleep(s.retryBackoff)
			continue
		}
		break
	}

	if s.observer != nil {
		s.observer.TestFailed(serial, step.Name, exec)
	}
	return exec
}
