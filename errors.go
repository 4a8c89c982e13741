package streamwork

import (
	"errors"
	"fmt"
	"strings"
)

// Error types for specific failure scenarios in pipeline construction and processing.

// Pipeline lifecycle sentinels.
var (
	// ErrPipelineNotStarted is returned when Process/Wait/Stop is called before Start.
	ErrPipelineNotStarted = errors.New("pipeline not started")
	// ErrPipelineAlreadyStarted is returned when Start is called twice.
	ErrPipelineAlreadyStarted = errors.New("pipeline already started")
	// ErrEmptyPipeline is returned when a pipeline with no stages is started.
	ErrEmptyPipeline = errors.New("pipeline has no stages")
)

// Graph construction sentinels. They are wrapped in a *GraphError carrying the
// offending stage and port, so callers can match them with errors.Is.
var (
	// ErrStageNotFound indicates an edge endpoint referencing an unknown stage.
	ErrStageNotFound = errors.New("stage not found")
	// ErrDuplicateStage indicates two stages added under the same name.
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrPortNotFound indicates an edge endpoint referencing an unknown port.
	ErrPortNotFound = errors.New("port not found")
	// ErrPortAmbiguous indicates a bare stage used as an edge endpoint where the
	// stage has more than one port on that side.
	ErrPortAmbiguous = errors.New("port ambiguous: stage has multiple ports")
	// ErrPortAlreadyBound indicates a second edge into an input port.
	ErrPortAlreadyBound = errors.New("input port already bound")
	// ErrPortTypeMismatch indicates an edge between incompatible port types.
	ErrPortTypeMismatch = errors.New("port types incompatible")
	// ErrUnboundInputPort indicates an input port with no incoming edge at build time.
	ErrUnboundInputPort = errors.New("input port not bound")
	// ErrCycleDetected indicates the stage graph transitively feeds itself.
	ErrCycleDetected = errors.New("cycle detected in stage graph")
	// ErrOrphanStage indicates a stage unreachable from any source stage.
	ErrOrphanStage = errors.New("stage not reachable from any source")
)

// Module registry and configuration sentinels.
var (
	// ErrModuleExists is returned when a module identity is registered twice.
	ErrModuleExists = errors.New("module already registered")
	// ErrModuleNotFound is returned when looking up an unregistered module.
	ErrModuleNotFound = errors.New("module not found")
	// ErrLoaderExists is returned when a loader id is registered twice.
	ErrLoaderExists = errors.New("loader already registered")
	// ErrLoaderNotFound is returned when a task names an unregistered loader.
	ErrLoaderNotFound = errors.New("loader not found")
	// ErrUnknownConfigKey is returned by strict modules for unrecognized keys.
	ErrUnknownConfigKey = errors.New("unknown configuration key")
	// ErrCircularModule is returned when a module's build graph includes itself.
	ErrCircularModule = errors.New("circular module dependency")
)

// GraphError describes a malformed pipeline topology: an unbound or double-bound
// port, a type mismatch between connected ports, a cycle, or a reference to a
// stage or port that does not exist. Graph errors are produced while assembling
// or validating a pipeline and are always fatal: Start refuses to run the graph.
type GraphError struct {
	// Stage is the name of the stage the error concerns, if known.
	Stage string
	// Port is the port name involved, if the error concerns a specific port.
	Port string
	// Op is the graph operation that failed ("add_stage", "add_edge", "validate").
	Op string
	// Err is the underlying cause, typically one of the graph sentinels above.
	Err error
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString("graph ")
	b.WriteString(e.Op)
	if e.Stage != "" {
		fmt.Fprintf(&b, ": stage %q", e.Stage)
	}
	if e.Port != "" {
		fmt.Fprintf(&b, " port %q", e.Port)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap exposes the sentinel cause to errors.Is.
func (e *GraphError) Unwrap() error {
	return e.Err
}

// NewGraphError builds a GraphError for the given operation and location.
func NewGraphError(op, stage, port string, err error) *GraphError {
	return &GraphError{Stage: stage, Port: port, Op: op, Err: err}
}

// ConfigError describes invalid or missing module, task, or loader configuration.
// Raised while loading a module it is fatal to pipeline construction; raised
// while processing a single message it is contained to that message per the
// stage's error strategy.
type ConfigError struct {
	// Module is the module or loader identity the configuration belongs to.
	Module string
	// Key is the configuration key at fault, if a single key can be named.
	Key string
	// Err is the underlying cause.
	Err error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Module != "" && e.Key != "":
		return fmt.Sprintf("config for module %q key %q: %v", e.Module, e.Key, e.Err)
	case e.Module != "":
		return fmt.Sprintf("config for module %q: %v", e.Module, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError builds a ConfigError. Module and key may be empty when the
// failure cannot be pinned to one.
func NewConfigError(module, key string, err error) *ConfigError {
	return &ConfigError{Module: module, Key: key, Err: err}
}

// StageError attributes a failure to a named node of a running pipeline.
// The graph runtime wraps every node goroutine failure in one.
type StageError struct {
	// StageName is the node name, when known.
	StageName string
	// StageIndex is the node's position in the launch order.
	StageIndex int
	// OriginalError is the failure the node returned.
	OriginalError error
}

func (e *StageError) Error() string {
	if e.StageName != "" {
		return fmt.Sprintf("stage %q (index %d): %v", e.StageName, e.StageIndex, e.OriginalError)
	}
	return fmt.Sprintf("stage %d: %v", e.StageIndex, e.OriginalError)
}

// Unwrap exposes the node's failure to errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.OriginalError
}

// NewStageError wraps a node failure with its name and launch index.
func NewStageError(stageName string, stageIndex int, err error) *StageError {
	return &StageError{
		StageName:     stageName,
		StageIndex:    stageIndex,
		OriginalError: err,
	}
}

// RetryExhaustedError reports that a Retry policy ran out of attempts. It
// carries the error from the final attempt.
type RetryExhaustedError struct {
	MaxAttempts int
	LastError   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted %d attempts: %v", e.MaxAttempts, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// NewRetryExhaustedError records the attempt budget and the final failure.
func NewRetryExhaustedError(maxAttempts int, lastError error) *RetryExhaustedError {
	return &RetryExhaustedError{
		MaxAttempts: maxAttempts,
		LastError:   lastError,
	}
}

// TimeoutError reports that a stage was cut off by a Timeout decorator.
// Duration is the configured limit rendered as a string.
type TimeoutError struct {
	StageName     string
	Duration      string
	OriginalError error
}

func (e *TimeoutError) Error() string {
	if e.StageName != "" {
		return fmt.Sprintf("stage %q timed out after %s: %v", e.StageName, e.Duration, e.OriginalError)
	}
	return fmt.Sprintf("stage timed out after %s: %v", e.Duration, e.OriginalError)
}

// Unwrap exposes the deadline error, usually context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return e.OriginalError
}

// NewTimeoutError builds a TimeoutError. The stage name may be empty when the
// decorator was not told which stage it guards.
func NewTimeoutError(stageName string, duration string, err error) *TimeoutError {
	return &TimeoutError{
		StageName:     stageName,
		Duration:      duration,
		OriginalError: err,
	}
}

// MapItemError attributes a failure inside a Map stage to the index of the
// input element that caused it.
type MapItemError struct {
	// Index is the position of the failed item in the input slice.
	Index int
	// Err is the underlying cause.
	Err error
}

func (e *MapItemError) Error() string {
	return fmt.Sprintf("map item %d: %v", e.Index, e.Err)
}

func (e *MapItemError) Unwrap() error {
	return e.Err
}

// NewMapItemError creates a new MapItemError for the given input index.
func NewMapItemError(index int, err error) *MapItemError {
	return &MapItemError{Index: index, Err: err}
}

// MultiError aggregates per-item errors from operations that process a batch of
// independent inputs (e.g. the Map stage with error collection enabled, or
// stopping multiple Stopper stages). Errors is index-aligned with the inputs;
// entries for successful items are nil.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	count := 0
	var first error
	for _, err := range e.Errors {
		if err != nil {
			if first == nil {
				first = err
			}
			count++
		}
	}
	if count == 1 {
		return fmt.Sprintf("1 error occurred: %v", first)
	}
	return fmt.Sprintf("%d errors occurred, first: %v", count, first)
}

// Unwrap exposes the non-nil contained errors to errors.Is / errors.As.
func (e *MultiError) Unwrap() []error {
	nonNil := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	return nonNil
}

// Add appends an error to the collection. Nil errors are kept so index
// alignment with the inputs is preserved.
func (e *MultiError) Add(err error) {
	e.Errors = append(e.Errors, err)
}

// HasErrors reports whether at least one non-nil error was collected.
func (e *MultiError) HasErrors() bool {
	for _, err := range e.Errors {
		if err != nil {
			return true
		}
	}
	return false
}

// NewMultiError creates a MultiError from the given slice, preserving index
// alignment. It returns nil when every entry is nil so callers can use the
// result directly as their error return.
func NewMultiError(errs []error) *MultiError {
	any := false
	for _, err := range errs {
		if err != nil {
			any = true
			break
		}
	}
	if !any {
		return nil
	}
	return &MultiError{Errors: errs}
}

// PipelineConfigurationError indicates an invalid pipeline setup detected
// before execution, such as a source that is not a readable channel.
type PipelineConfigurationError struct {
	Message string
}

func (e *PipelineConfigurationError) Error() string {
	return fmt.Sprintf("pipeline configuration: %s", e.Message)
}

// NewPipelineConfigurationError wraps a setup problem description.
func NewPipelineConfigurationError(message string) *PipelineConfigurationError {
	return &PipelineConfigurationError{Message: message}
}

// PipelineLifecycleError indicates a failure during a pipeline lifecycle
// transition (Start, Stop, Wait) as opposed to a data processing failure.
type PipelineLifecycleError struct {
	// Op is the lifecycle operation that failed, e.g. "Start" or "Stop".
	Op      string
	Message string
	Err     error
}

func (e *PipelineLifecycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("pipeline %s: %s", e.Op, e.Message)
}

// Unwrap returns the cause, which may be nil for purely structural failures
// such as calling Wait before Start.
func (e *PipelineLifecycleError) Unwrap() error {
	return e.Err
}

// NewPipelineLifecycleError tags err with the lifecycle operation that failed.
func NewPipelineLifecycleError(op, message string, err error) *PipelineLifecycleError {
	return &PipelineLifecycleError{Op: op, Message: message, Err: err}
}
