package streamwork

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Metadata keys and values with engine-wide meaning.
const (
	// MetadataKeyDataType marks how downstream batching modules should emit
	// their results. See DataTypePayload and DataTypeStreaming.
	MetadataKeyDataType = "data_type"

	// DataTypePayload requests that all derived work be attached as tasks to
	// a single output message.
	DataTypePayload = "payload"
	// DataTypeStreaming requests one output message per derived group.
	DataTypeStreaming = "streaming"
)

// TaskTypeLoad is the task type consumed by loader modules.
const TaskTypeLoad = "load"

// Task is a unit of deferred work attached to a ControlMessage. Type selects
// the consumer (for example "load") and Config carries its parameters.
type Task struct {
	Type   string
	Config map[string]any
}

// ControlMessage is the unit of data flowing between pipeline stages. It pairs
// a payload handle with free-form metadata and a FIFO queue of tasks.
//
// A ControlMessage is owned by one stage at a time as it moves through a
// pipeline, so its own fields are not synchronized. The payload handle is
// shared between copies; TableMeta carries its own lock for that reason.
type ControlMessage struct {
	id         uuid.UUID
	metadata   map[string]any
	tasks      []Task
	payload    *TableMeta
	tensors    *TensorMemory
	timestamps map[string]time.Time
}

// NewControlMessage creates an empty ControlMessage with a fresh ID.
func NewControlMessage() *ControlMessage {
	return &ControlMessage{
		id:         uuid.New(),
		metadata:   make(map[string]any),
		timestamps: make(map[string]time.Time),
	}
}

// NewControlMessageFromConfig creates a ControlMessage pre-populated from a
// configuration map. Recognized keys are "metadata" (a map merged into the
// message metadata) and "tasks" (a list of maps with "type" and "properties").
// Unknown task entries produce an error rather than being silently dropped.
func NewControlMessageFromConfig(config map[string]any) (*ControlMessage, error) {
	m := NewControlMessage()

	if rawMeta, ok := config["metadata"]; ok {
		meta, okMap := rawMeta.(map[string]any)
		if !okMap {
			return nil, NewConfigError("control_message", "metadata", fmt.Errorf("expected mapping, got %T", rawMeta))
		}
		for k, v := range meta {
			m.SetMetadata(k, v)
		}
	}

	if rawTasks, ok := config["tasks"]; ok {
		tasks, okList := rawTasks.([]any)
		if !okList {
			return nil, NewConfigError("control_message", "tasks", fmt.Errorf("expected list, got %T", rawTasks))
		}
		for i, rawTask := range tasks {
			task, okMap := rawTask.(map[string]any)
			if !okMap {
				return nil, NewConfigError("control_message", "tasks", fmt.Errorf("task %d: expected mapping, got %T", i, rawTask))
			}
			taskType, okType := task["type"].(string)
			if !okType || taskType == "" {
				return nil, NewConfigError("control_message", "tasks", fmt.Errorf("task %d: missing type", i))
			}
			props := map[string]any{}
			if rawProps, okProps := task["properties"]; okProps {
				props, okMap = rawProps.(map[string]any)
				if !okMap {
					return nil, NewConfigError("control_message", "tasks", fmt.Errorf("task %d: properties must be a mapping, got %T", i, rawProps))
				}
			}
			m.AddTask(taskType, props)
		}
	}

	return m, nil
}

// ID returns the unique identifier assigned to this message at creation.
func (m *ControlMessage) ID() uuid.UUID {
	return m.id
}

// SetMetadata stores a metadata value under the given key, replacing any
// existing value.
func (m *ControlMessage) SetMetadata(key string, value any) {
	m.metadata[key] = value
}

// Metadata returns the metadata value for key and whether it was present.
func (m *ControlMessage) Metadata(key string) (any, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// MetadataOr returns the metadata value for key, or def if the key is absent.
func (m *ControlMessage) MetadataOr(key string, def any) any {
	if v, ok := m.metadata[key]; ok {
		return v
	}
	return def
}

// HasMetadata reports whether the given metadata key is present.
func (m *ControlMessage) HasMetadata(key string) bool {
	_, ok := m.metadata[key]
	return ok
}

// ListMetadata returns the metadata keys currently set on the message.
func (m *ControlMessage) ListMetadata() []string {
	keys := make([]string, 0, len(m.metadata))
	for k := range m.metadata {
		keys = append(keys, k)
	}
	return keys
}

// AddTask appends a task of the given type to the end of the task queue.
func (m *ControlMessage) AddTask(taskType string, config map[string]any) {
	m.tasks = append(m.tasks, Task{Type: taskType, Config: config})
}

// HasTask reports whether at least one task of the given type is queued.
func (m *ControlMessage) HasTask(taskType string) bool {
	for _, t := range m.tasks {
		if t.Type == taskType {
			return true
		}
	}
	return false
}

// PopTask removes and returns the config of the oldest queued task of the
// given type. The second return value is false if no such task exists.
// Tasks of the same type are delivered in the order they were added.
func (m *ControlMessage) PopTask(taskType string) (map[string]any, bool) {
	for i, t := range m.tasks {
		if t.Type == taskType {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return t.Config, true
		}
	}
	return nil, false
}

// Tasks returns a copy of the queued tasks in order.
func (m *ControlMessage) Tasks() []Task {
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// TaskCount returns the number of queued tasks.
func (m *ControlMessage) TaskCount() int {
	return len(m.tasks)
}

// SetPayload attaches a table handle as the message payload. The handle may be
// shared with other messages; synchronization happens inside TableMeta.
func (m *ControlMessage) SetPayload(meta *TableMeta) {
	m.payload = meta
}

// Payload returns the attached table handle, or nil if none is set.
func (m *ControlMessage) Payload() *TableMeta {
	return m.payload
}

// HasPayload reports whether a payload handle is attached.
func (m *ControlMessage) HasPayload() bool {
	return m.payload != nil
}

// SetTensors attaches tensor memory to the message.
func (m *ControlMessage) SetTensors(tm *TensorMemory) {
	m.tensors = tm
}

// Tensors returns the attached tensor memory, or nil if none is set.
func (m *ControlMessage) Tensors() *TensorMemory {
	return m.tensors
}

// SetTimestamp records a named timestamp on the message, typically used to
// mark processing milestones for later latency analysis.
func (m *ControlMessage) SetTimestamp(key string, t time.Time) {
	m.timestamps[key] = t
}

// Timestamp returns the named timestamp and whether it was recorded.
func (m *ControlMessage) Timestamp(key string) (time.Time, bool) {
	t, ok := m.timestamps[key]
	return t, ok
}

// FilterTimestamps returns all recorded timestamps whose key matches the
// given regular expression.
func (m *ControlMessage) FilterTimestamps(pattern string) (map[string]time.Time, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp filter %q: %w", pattern, err)
	}
	out := make(map[string]time.Time)
	for k, t := range m.timestamps {
		if re.MatchString(k) {
			out[k] = t
		}
	}
	return out, nil
}

// Copy returns an independent copy of the message: metadata, tasks, and
// timestamps are deep-copied and the copy receives a fresh ID. The payload
// and tensor handles are shared, not duplicated; branches that mutate the
// payload must do so through TableMeta's locking or replace it outright.
func (m *ControlMessage) Copy() *ControlMessage {
	out := &ControlMessage{
		id:         uuid.New(),
		metadata:   make(map[string]any, len(m.metadata)),
		payload:    m.payload,
		tensors:    m.tensors,
		timestamps: make(map[string]time.Time, len(m.timestamps)),
	}
	for k, v := range m.metadata {
		out.metadata[k] = deepCopyValue(v)
	}
	if len(m.tasks) > 0 {
		out.tasks = make([]Task, len(m.tasks))
		for i, t := range m.tasks {
			out.tasks[i] = Task{Type: t.Type, Config: deepCopyMap(t.Config)}
		}
	}
	for k, t := range m.timestamps {
		out.timestamps[k] = t
	}
	return out
}

// Clone implements the Cloner interface so that broadcast fan-out hands each
// subscriber an independent message.
func (m *ControlMessage) Clone() *ControlMessage {
	return m.Copy()
}

// deepCopyMap returns a recursive copy of a string-keyed map. Nested maps and
// slices are copied; scalar values are shared (they are immutable in practice).
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	case []map[string]any:
		out := make([]map[string]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyMap(e)
		}
		return out
	default:
		return v
	}
}
