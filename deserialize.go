package streamwork

import (
	"context"
	"errors"
	"fmt"
)

// ModuleDeserialize is the registered name of the batch splitting module.
const ModuleDeserialize = "deserialize"

// defaultDeserializeBatchSize bounds the rows per emitted message when the
// configuration does not say otherwise.
const defaultDeserializeBatchSize = 256

// Deserialize splits a message's payload into row-range batches, emitting one
// message per batch in row order. Each batch message carries the source
// message's metadata and timestamps but none of its queued tasks; when a task
// type is configured, every batch receives that task instead. Tensors on the
// source are sliced to each batch's rows.
type Deserialize struct {
	batchSize  int
	taskType   string
	taskConfig map[string]any
}

var _ Expander[*ControlMessage, *ControlMessage] = (*Deserialize)(nil)

// NewDeserialize builds a Deserialize from module configuration.
func NewDeserialize(cfg ModuleConfig) (*Deserialize, error) {
	batchSize := cfg.IntOr("batch_size", defaultDeserializeBatchSize)
	if batchSize < 1 {
		return nil, NewConfigError(ModuleDeserialize, "batch_size",
			fmt.Errorf("batch size must be positive, got %d", batchSize))
	}

	taskType := cfg.StringOr("task_type", "")
	taskConfig, hasPayload := cfg.GetMap("task_payload")
	if (taskType != "") != hasPayload {
		return nil, NewConfigError(ModuleDeserialize, "task_type",
			errors.New("task_type and task_payload must be set together"))
	}

	return &Deserialize{
		batchSize:  batchSize,
		taskType:   taskType,
		taskConfig: taskConfig,
	}, nil
}

// Expand emits one message per row-range batch of the payload.
func (d *Deserialize) Expand(ctx context.Context, msg *ControlMessage) ([]*ControlMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	payload := msg.Payload()
	if payload == nil {
		return nil, fmt.Errorf("message %s has no payload to split", msg.ID())
	}

	var (
		slices []*Table
		ranges [][2]int
	)
	err := payload.View(func(t *Table) error {
		if t == nil {
			return fmt.Errorf("message %s payload holds no table", msg.ID())
		}
		rows := t.NumRows()
		for start := 0; start < rows; start += d.batchSize {
			stop := start + d.batchSize
			if stop > rows {
				stop = rows
			}
			slice, err := t.Slice(start, stop)
			if err != nil {
				return err
			}
			slices = append(slices, slice)
			ranges = append(ranges, [2]int{start, stop})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*ControlMessage, 0, len(slices))
	for i, slice := range slices {
		batch, err := d.batchMessage(msg, slice, ranges[i])
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

// batchMessage builds the output message for one row range.
func (d *Deserialize) batchMessage(src *ControlMessage, slice *Table, span [2]int) (*ControlMessage, error) {
	out := NewControlMessage()
	for _, key := range src.ListMetadata() {
		if v, ok := src.Metadata(key); ok {
			out.SetMetadata(key, deepCopyValue(v))
		}
	}
	if stamps, err := src.FilterTimestamps(".*"); err == nil {
		for key, ts := range stamps {
			out.SetTimestamp(key, ts)
		}
	}
	out.SetPayload(NewTableMeta(slice))

	if tensors := src.Tensors(); tensors != nil {
		sliced, err := sliceTensorMemory(tensors, runRows([][2]int{span}))
		if err != nil {
			return nil, err
		}
		out.SetTensors(sliced)
	}
	if d.taskType != "" {
		out.AddTask(d.taskType, deepCopyMap(d.taskConfig))
	}
	return out, nil
}

func init() {
	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleDeserialize, Version: EngineVersion},
		Description: "Splits message payloads into fixed-size row batches, one message per batch.",
		Defaults: map[string]any{
			"batch_size":   defaultDeserializeBatchSize,
			"task_type":    nil,
			"task_payload": nil,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			splitter, err := NewDeserialize(cfg)
			if err != nil {
				return err
			}
			node := b.AddNode(NewExpandNode[*ControlMessage, *ControlMessage]("split", splitter))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
