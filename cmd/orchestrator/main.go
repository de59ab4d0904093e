package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"

	"hidtestorch/internal/aggregator"
	"hidtestorch/internal/config"
	"hidtestorch/internal/device"
	"hidtestorch/internal/flash"
	"hidtestorch/internal/monitor"
	"hidtestorch/internal/report"
	"hidtestorch/internal/sequencer"
	"hidtestorch/internal/statusapi"
	"hidtestorch/internal/tui"
)

// Process exit codes, per the orchestrator's contract with CI callers.
const (
	exitSuccess            = 0
	exitTestFailures       = 1
	exitDeviceSetupFailure = 2
	exitFlashFailure       = 3
	exitInternalError      = 4
	exitInterrupted        = 130
)

var (
	testsPath   = flag.String("tests", "", "path to a JSON test configuration file")
	firmware    = flag.String("firmware", "", "firmware file path; when set, flashes every targeted device before running tests")
	devicesFlag = flag.String("devices", "", "comma-separated device serials to target (empty = every connected device)")
	minDevices  = flag.Int("min-devices", 1, "minimum number of devices that must be present to proceed")
	outputDir   = flag.String("output", "", "report output directory (overrides ORCH_OUTPUT_DIR)")
	formatsFlag = flag.String("formats", "json,junit", "comma-separated report formats: json,junit,csv,tap,html")
	parallel    = flag.Bool("parallel", false, "run the test configuration across devices in parallel")
	apiPort     = flag.Int("api-port", 0, "enable the status API on this port (0 = disabled)")
	useTUI      = flag.Bool("tui", false, "show a live-updating terminal progress view (log output continues on stderr)")
	copyReport  = flag.Bool("copy-report", false, "copy a one-line pass-count summary of the run to the clipboard on completion")
	discoverFor = flag.Duration("discover-timeout", 10*time.Second, "how long to wait for the minimum device count to appear")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}

	registry := device.NewRegistry(cfg.DiscoveryPollInterval)
	bus := monitor.New(cfg.MaxHistorySize, cfg.EnableSnapshots, cfg.HealthCheckInterval, cfg.PeriodicStatusInterval, busVerbosity(cfg.Verbosity))
	defer bus.Stop(5 * time.Second)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	cancelled := make(chan struct{})
	go func() {
		<-interrupted
		log.Println("interrupt received, cancelling run")
		registry.DisconnectAll()
		close(cancelled)
	}()

	if *apiPort > 0 {
		api := statusapi.New(registry, bus, *apiPort)
		api.Start()
		defer api.Shutdown(5 * time.Second)
	}

	var tuiDone chan struct{}
	if *useTUI {
		tuiDone = make(chan struct{})
		go func() {
			defer close(tuiDone)
			if err := tui.Run(bus); err != nil {
				log.Printf("tui exited: %v", err)
			}
		}()
	}

	serials := waitForDevices(registry, *minDevices, *discoverFor)
	if len(serials) < *minDevices {
		log.Printf("only %d of %d required devices present", len(serials), *minDevices)
		return exitDeviceSetupFailure
	}

	for _, serial := range serials {
		if !registry.Connect(serial) {
			log.Printf("failed to open handle for %s", serial)
			return exitDeviceSetupFailure
		}
	}
	defer registry.DisconnectAll()

	if *firmware != "" {
		if code := flashDevices(cfg, registry, serials); code != exitSuccess {
			return code
		}
	}

	if *testsPath == "" {
		log.Println("no -tests configuration supplied; nothing to execute")
		return exitSuccess
	}

	protocol := device.NewProtocol(registry, bus)
	testConfig, err := loadConfiguration(*testsPath, cfg)
	if err != nil {
		log.Printf("load test configuration: %v", err)
		return exitInternalError
	}
	if !testConfig.ParallelExecution {
		testConfig.ParallelExecution = *parallel
	}

	seq := sequencer.New(&protocolResponder{protocol: protocol}, &busObserver{bus: bus})
	seq.SetRetryBackoff(cfg.RetryBackoff)
	for _, serial := range serials {
		bus.SetExpectedTotal(serial, len(testConfig.Steps))
	}

	start := time.Now()
	executionResults, err := seq.Execute(testConfig, serials, func(serial, command string) {
		bus.Submit(monitor.Event{Kind: monitor.EventDeviceCommunication, Timestamp: time.Now(), DeviceSerial: serial, Data: map[string]any{"setup_or_teardown_command": command}})
	})
	end := time.Now()
	if err != nil {
		log.Printf("sequencer execution failed: %v", err)
		return exitInternalError
	}

	select {
	case <-cancelled:
		return exitInterrupted
	default:
	}

	env := environmentMap(monitor.CollectEnvironmentInfo())
	agg := aggregator.New(aggregator.NewMemoryTrendStore())
	suiteResult := agg.Collect(testConfig.Name, testConfig.Description, executionResults, start, end, env)

	formats := parseFormats(*formatsFlag)
	written, err := report.WriteAll(cfg.OutputDir, suiteResult, formats)
	if err != nil {
		log.Printf("write reports: %v", err)
		return exitInternalError
	}
	for _, path := range written {
		log.Printf("wrote report %s", path)
	}
	if err := report.PruneOldReports(cfg.OutputDir, cfg.RetentionPeriod); err != nil {
		log.Printf("prune old reports: %v", err)
	}

	if *copyReport {
		if err := clipboard.WriteAll(summarize(suiteResult)); err != nil {
			log.Printf("copy report to clipboard: %v", err)
		}
	}

	if *useTUI {
		<-tuiDone
	}

	return exitCodeFor(suiteResult)
}

func waitForDevices(registry *device.Registry, min int, timeout time.Duration) []string {
	wanted := parseDeviceFilter(*devicesFlag)
	deadline := time.Now().Add(timeout)
	for {
		records := registry.Discover()
		serials := make([]string, 0, len(records))
		for _, rec := range records {
			if rec.Status != device.StatusConnected {
				continue
			}
			if len(wanted) > 0 && !wanted[rec.Serial] {
				continue
			}
			serials = append(serials, rec.Serial)
		}
		if len(serials) >= min || time.Now().After(deadline) {
			return serials
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func parseDeviceFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	wanted := make(map[string]bool)
	for _, serial := range strings.Split(s, ",") {
		serial = strings.TrimSpace(serial)
		if serial != "" {
			wanted[serial] = true
		}
	}
	return wanted
}

func busVerbosity(level config.LogLevel) monitor.Verbosity {
	switch level {
	case config.LogDebug:
		return monitor.Debug
	case config.LogVerbose:
		return monitor.Verbose
	case config.LogMinimal:
		return monitor.Minimal
	default:
		return monitor.Normal
	}
}

func flashDevices(cfg config.RunConfig, registry *device.Registry, serials []string) int {
	protocol := device.NewProtocol(registry, nil)
	supervisor := flash.NewSupervisor(&flashController{registry: registry, protocol: protocol}, cfg.BootloaderTimeout, cfg.FlashProcessTimeout, cfg.ReconnectionTimeout, cfg.FlashToolPath)

	var ops map[string]*flash.Operation
	if len(serials) > 1 {
		ops = supervisor.FlashParallel(serials, *firmware, cfg.MaxParallelDevices)
	} else {
		ops = supervisor.FlashSequential(serials, *firmware)
	}

	for serial, op := range ops {
		if op.Result != flash.ResultSuccess {
			log.Printf("flash failed on %s: %s", serial, op.Result)
			return exitFlashFailure
		}
	}
	return exitSuccess
}

func exitCodeFor(result aggregator.SuiteResult) int {
	for _, dr := range result.DeviceResults {
		if dr.OverallStatus == aggregator.OverallFailed {
			return exitTestFailures
		}
	}
	return exitSuccess
}

func parseFormats(s string) []report.Format {
	var formats []report.Format
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		formats = append(formats, report.Format(part))
	}
	return formats
}

func environmentMap(info monitor.EnvironmentInfo) map[string]any {
	return map[string]any{
		"hostname":     info.Hostname,
		"os":           info.OS,
		"platform":     info.Platform,
		"cpu_percent":  info.CPUPercent,
		"cpu_count":    info.CPUCount,
		"mem_used_pct": info.MemUsedPct,
		"mem_total_mb": info.MemTotalMB,
		"mem_used_mb":  info.MemUsedMB,
		"uptime_hours": info.UptimeHours,
		"timestamp":    info.Timestamp,
	}
}

func summarize(result aggregator.SuiteResult) string {
	return fmt.Sprintf("%s: %d/%d passed (%.1f%%)",
		result.SuiteName,
		result.AggregateMetrics.PassedTests,
		result.AggregateMetrics.TotalTests,
		result.AggregateMetrics.SuccessRate,
	)
}

// protocolResponder adapts the wire protocol layer to sequencer.Responder.
type protocolResponder struct {
	protocol *device.Protocol
}

func (r *protocolResponder) ExecuteStep(serial string, step sequencer.Step, timeout time.Duration) (sequencer.ResponseOutcome, bool) {
	cmd := device.NewExecuteTestCommand(step.TestKind, step.Parameters)
	resp, ok := r.protocol.SendAndWait(serial, cmd, timeout)
	if !ok {
		return sequencer.ResponseOutcome{}, false
	}
	return sequencer.ResponseOutcome{
		Success: resp.Status == device.StatusSuccess,
		Message: resp.Status.String(),
		Data:    resp.Data,
	}, true
}

// busObserver adapts the monitoring bus to sequencer.Observer.
type busObserver struct {
	bus *monitor.Bus
}

func (o *busObserver) TestStarted(serial, stepName string) {
	o.bus.Submit(monitor.Event{Kind: monitor.EventTestStarted, Timestamp: time.Now(), DeviceSerial: serial, TestName: stepName})
}

func (o *busObserver) TestCompleted(serial, stepName string, exec sequencer.Execution) {
	o.bus.Submit(monitor.Event{Kind: monitor.EventTestCompleted, Timestamp: time.Now(), DeviceSerial: serial, TestName: stepName, Data: map[string]any{"status": string(exec.Status), "retry_attempt": exec.RetryAttempt, "duration": exec.Duration()}})
}

func (o *busObserver) TestFailed(serial, stepName string, exec sequencer.Execution) {
	o.bus.Submit(monitor.Event{Kind: monitor.EventTestFailed, Timestamp: time.Now(), DeviceSerial: serial, TestName: stepName, Data: map[string]any{"status": string(exec.Status), "error_message": exec.ErrorMessage, "duration": exec.Duration()}})
}

// flashController adapts the device registry and protocol to flash.DeviceController.
type flashController struct {
	registry *device.Registry
	protocol *device.Protocol
}

func (f *flashController) SendBootloaderCommand(serial string, timeoutMs int) bool {
	_, ok := f.protocol.SendAndWait(serial, device.NewBootloaderCommand(timeoutMs), time.Duration(timeoutMs)*time.Millisecond)
	return ok
}

func (f *flashController) WaitForBootloaderMode(serial string, timeout time.Duration) bool {
	return f.registry.WaitForBootloaderMode(serial, timeout)
}

func (f *flashController) WaitForReconnection(serial string, timeout time.Duration) bool {
	return f.registry.WaitForReconnection(serial, timeout)
}

func (f *flashController) WaitForDisconnect(serial string, timeout time.Duration) bool {
	return f.registry.WaitForDisconnect(serial, timeout)
}

// testConfigFile mirrors sequencer.Configuration's shape for JSON decoding,
// expressing durations as seconds since JSON has no duration literal.
type testConfigFile struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Steps              []testStepFile  `json:"steps"`
	ParallelExecution  bool            `json:"parallel_execution"`
	MaxParallelDevices int             `json:"max_parallel_devices"`
	GlobalTimeoutSecs  float64         `json:"global_timeout_seconds"`
	SetupCommands      []string        `json:"setup_commands"`
	TeardownCommands   []string        `json:"teardown_commands"`
}

type testStepFile struct {
	Name          string         `json:"name"`
	TestKind      int            `json:"test_kind"`
	Parameters    map[string]any `json:"parameters"`
	TimeoutSecs   float64        `json:"timeout_seconds"`
	RetryCount    int            `json:"retry_count"`
	Required      bool           `json:"required"`
	DependsOn     []string       `json:"depends_on"`
}

func loadConfiguration(path string, cfg config.RunConfig) (sequencer.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sequencer.Configuration{}, fmt.Errorf("read %s: %w", path, err)
	}

	var file testConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return sequencer.Configuration{}, fmt.Errorf("parse %s: %w", path, err)
	}

	steps := make([]sequencer.Step, 0, len(file.Steps))
	for _, s := range file.Steps {
		timeout := time.Duration(s.TimeoutSecs * float64(time.Second))
		if timeout <= 0 {
			timeout = cfg.DefaultStepTimeout
		}
		steps = append(steps, sequencer.Step{
			Name:       s.Name,
			TestKind:   s.TestKind,
			Parameters: s.Parameters,
			Timeout:    timeout,
			RetryCount: s.RetryCount,
			Required:   s.Required,
			DependsOn:  s.DependsOn,
		})
	}

	globalTimeout := time.Duration(file.GlobalTimeoutSecs * float64(time.Second))

	configuration := sequencer.Configuration{
		Name:               file.Name,
		Description:        file.Description,
		Steps:              steps,
		ParallelExecution:  file.ParallelExecution,
		MaxParallelDevices: file.MaxParallelDevices,
		GlobalTimeout:      globalTimeout,
		SetupCommands:      file.SetupCommands,
		TeardownCommands:   file.TeardownCommands,
	}
	if configuration.MaxParallelDevices == 0 {
		configuration.MaxParallelDevices = cfg.MaxParallelDevices
	}
	if err := configuration.Validate(); err != nil {
		return sequencer.Configuration{}, err
	}
	return configuration, nil
}
