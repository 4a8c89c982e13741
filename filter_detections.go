package streamwork

import (
	"context"
	"fmt"
)

// ModuleFilterDetections is the registered name of the detection filter
// module.
const ModuleFilterDetections = "filter_detections"

// Filter sources select where FilterDetections reads its scores from.
// FilterSourceAuto defers the choice to the configured payload kind.
const (
	FilterSourceAuto   = "auto"
	FilterSourceTensor = "tensor"
	FilterSourceColumn = "column"
)

// FilterDetections drops the payload rows whose score does not exceed the
// threshold. Scores come either from a named tensor attached to the message
// (any column of a row above the threshold marks the row) or from a payload
// column.
//
// Surviving rows form contiguous runs. With copy enabled the runs are
// gathered into a single output message; with copy disabled each run becomes
// its own output. Tensors attached to the input are sliced to the surviving
// rows so they stay aligned with the output payload. A message with no
// surviving rows is dropped.
type FilterDetections struct {
	fieldName string
	threshold float64
	useTensor bool
	copyMode  bool
}

var _ Expander[*ControlMessage, *ControlMessage] = (*FilterDetections)(nil)

// NewFilterDetections builds a FilterDetections from module configuration.
func NewFilterDetections(cfg ModuleConfig) (*FilterDetections, error) {
	source := cfg.StringOr("filter_source", FilterSourceAuto)
	kind := cfg.StringOr("payload_kind", "tensor")
	switch kind {
	case "tensor", "table":
	default:
		return nil, NewConfigError(ModuleFilterDetections, "payload_kind",
			fmt.Errorf("payload kind must be \"tensor\" or \"table\", got %q", kind))
	}

	useTensor := false
	switch source {
	case FilterSourceTensor:
		useTensor = true
	case FilterSourceColumn:
	case FilterSourceAuto:
		useTensor = kind == "tensor"
	default:
		return nil, NewConfigError(ModuleFilterDetections, "filter_source",
			fmt.Errorf("filter source must be %q, %q or %q, got %q",
				FilterSourceAuto, FilterSourceTensor, FilterSourceColumn, source))
	}

	return &FilterDetections{
		fieldName: cfg.StringOr("field_name", "probs"),
		threshold: cfg.FloatOr("threshold", 0.5),
		useTensor: useTensor,
		copyMode:  cfg.BoolOr("copy", true),
	}, nil
}

// Expand emits the messages holding the rows that pass the threshold.
func (fd *FilterDetections) Expand(ctx context.Context, msg *ControlMessage) ([]*ControlMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	payload := msg.Payload()
	if payload == nil {
		return nil, fmt.Errorf("message %s has no payload to filter", msg.ID())
	}

	var detections []bool
	var err error
	if fd.useTensor {
		detections, err = fd.tensorDetections(msg)
	} else {
		detections, err = fd.columnDetections(payload)
	}
	if err != nil {
		return nil, err
	}
	if rows := payload.NumRows(); rows != len(detections) {
		return nil, fmt.Errorf("filter field %q scores %d rows, payload has %d", fd.fieldName, len(detections), rows)
	}

	runs := detectionRuns(detections)
	if len(runs) == 0 {
		return nil, nil
	}

	if fd.copyMode {
		out, err := fd.copyRows(msg, runs)
		if err != nil {
			return nil, err
		}
		return []*ControlMessage{out}, nil
	}

	outs := make([]*ControlMessage, 0, len(runs))
	for _, run := range runs {
		out, err := fd.sliceRows(msg, run)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// tensorDetections marks each row whose tensor row has any value above the
// threshold.
func (fd *FilterDetections) tensorDetections(msg *ControlMessage) ([]bool, error) {
	tensors := msg.Tensors()
	if tensors == nil {
		return nil, fmt.Errorf("message %s carries no tensors for filter field %q", msg.ID(), fd.fieldName)
	}
	tensor, err := tensors.GetTensor(fd.fieldName)
	if err != nil {
		return nil, err
	}
	detections := make([]bool, tensor.Rows)
	for r := 0; r < tensor.Rows; r++ {
		for _, v := range tensor.Row(r) {
			if v > fd.threshold {
				detections[r] = true
				break
			}
		}
	}
	return detections, nil
}

// columnDetections marks each row whose payload column value is above the
// threshold.
func (fd *FilterDetections) columnDetections(payload *TableMeta) ([]bool, error) {
	var detections []bool
	err := payload.View(func(t *Table) error {
		values, err := t.Float64Column(fd.fieldName)
		if err != nil {
			return err
		}
		detections = make([]bool, len(values))
		for i, v := range values {
			detections[i] = v > fd.threshold
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detections, nil
}

// copyRows gathers all runs into one output message.
func (fd *FilterDetections) copyRows(msg *ControlMessage, runs [][2]int) (*ControlMessage, error) {
	var table *Table
	err := msg.Payload().View(func(t *Table) error {
		var copyErr error
		table, copyErr = t.CopyRanges(runs)
		return copyErr
	})
	if err != nil {
		return nil, err
	}
	return fd.derive(msg, table, runRows(runs))
}

// sliceRows builds one output message for a single run.
func (fd *FilterDetections) sliceRows(msg *ControlMessage, run [2]int) (*ControlMessage, error) {
	var table *Table
	err := msg.Payload().View(func(t *Table) error {
		var sliceErr error
		table, sliceErr = t.Slice(run[0], run[1])
		return sliceErr
	})
	if err != nil {
		return nil, err
	}
	return fd.derive(msg, table, runRows([][2]int{run}))
}

// derive builds an output message around the selected rows. Tensors on the
// input are sliced to the same rows so they stay aligned with the new
// payload.
func (fd *FilterDetections) derive(msg *ControlMessage, table *Table, rows []int) (*ControlMessage, error) {
	out := msg.Copy()
	out.SetPayload(NewTableMeta(table))
	if tensors := msg.Tensors(); tensors != nil {
		sliced, err := sliceTensorMemory(tensors, rows)
		if err != nil {
			return nil, err
		}
		out.SetTensors(sliced)
	}
	return out, nil
}

// detectionRuns finds the maximal runs of true values and returns them as
// [start, end) pairs in ascending order.
func detectionRuns(detections []bool) [][2]int {
	runs := make([][2]int, 0)
	start := -1
	for i, d := range detections {
		switch {
		case d && start < 0:
			start = i
		case !d && start >= 0:
			runs = append(runs, [2]int{start, i})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, [2]int{start, len(detections)})
	}
	return runs
}

// runRows flattens [start, end) pairs into the covered row indices.
func runRows(runs [][2]int) []int {
	rows := make([]int, 0)
	for _, run := range runs {
		for r := run[0]; r < run[1]; r++ {
			rows = append(rows, r)
		}
	}
	return rows
}

// sliceTensorMemory builds a tensor memory holding the given rows of every
// tensor, in order.
func sliceTensorMemory(tm *TensorMemory, rows []int) (*TensorMemory, error) {
	out := NewTensorMemory(len(rows))
	for _, name := range tm.TensorNames() {
		src, err := tm.GetTensor(name)
		if err != nil {
			return nil, err
		}
		data := make([]float64, 0, len(rows)*src.Cols)
		for _, r := range rows {
			if r < 0 || r >= src.Rows {
				return nil, fmt.Errorf("tensor %q has no row %d", name, r)
			}
			data = append(data, src.Row(r)...)
		}
		sliced, err := NewTensor(len(rows), src.Cols, data)
		if err != nil {
			return nil, err
		}
		if err := out.SetTensor(name, sliced); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func init() {
	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleFilterDetections, Version: EngineVersion},
		Description: "Drops payload rows whose detection score does not exceed the threshold.",
		Defaults: map[string]any{
			"field_name":    "probs",
			"threshold":     0.5,
			"filter_source": FilterSourceAuto,
			"payload_kind":  "tensor",
			"copy":          true,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			filter, err := NewFilterDetections(cfg)
			if err != nil {
				return err
			}
			node := b.AddNode(NewExpandNode[*ControlMessage, *ControlMessage]("filter", filter))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
