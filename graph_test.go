package streamwork_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

func identityStage() streamwork.StageFunc[int, string] {
	return func(_ context.Context, n int) (string, error) {
		return "", nil
	}
}

// TestNodePorts verifies that the node constructors record typed default ports.
func TestNodePorts(t *testing.T) {
	node := streamwork.NewNode[int, string]("classify", identityStage())
	assert.Equal(t, "classify", node.Name())

	inputs := node.InputPorts()
	require.Len(t, inputs, 1)
	assert.Equal(t, streamwork.DefaultInPort, inputs[0].Name)
	assert.Equal(t, reflect.TypeOf(0), inputs[0].Type)

	outputs := node.OutputPorts()
	require.Len(t, outputs, 1)
	assert.Equal(t, streamwork.DefaultOutPort, outputs[0].Name)
	assert.Equal(t, reflect.TypeOf(""), outputs[0].Type)

	// The accessors hand out copies, not the node's own slices.
	inputs[0].Name = "mutated"
	assert.Equal(t, streamwork.DefaultInPort, node.InputPorts()[0].Name)
}

// TestSourceAndSinkNodePorts verifies the one-sided port sets of sources and
// sinks.
func TestSourceAndSinkNodePorts(t *testing.T) {
	source := streamwork.NewSourceNode[int]("numbers", streamwork.SourceFunc[int](
		func(_ context.Context, _ chan<- int) error { return nil }))
	assert.Empty(t, source.InputPorts())
	require.Len(t, source.OutputPorts(), 1)
	assert.Equal(t, streamwork.DefaultOutPort, source.OutputPorts()[0].Name)

	sink := streamwork.NewSinkNode[int]("drain", streamwork.SinkFunc[int](
		func(_ context.Context, _ <-chan int) error { return nil }))
	assert.Empty(t, sink.OutputPorts())
	require.Len(t, sink.InputPorts(), 1)
	assert.Equal(t, streamwork.DefaultInPort, sink.InputPorts()[0].Name)
}

// TestNodeConstructorPanics verifies name validation and nil-stage guards
// across the constructors.
func TestNodeConstructorPanics(t *testing.T) {
	assert.Panics(t, func() { streamwork.NewNode[int, string]("", identityStage()) },
		"empty name")
	assert.Panics(t, func() { streamwork.NewNode[int, string]("a.b", identityStage()) },
		"dotted name collides with edge endpoint syntax")
	assert.Panics(t, func() { streamwork.NewNode[int, string]("ok", nil) },
		"nil stage")
	assert.Panics(t, func() { streamwork.NewStreamNode[int, int]("ok", nil) })
	assert.Panics(t, func() { streamwork.NewExpandNode[int, int]("ok", nil) })
	assert.Panics(t, func() { streamwork.NewSourceNode[int]("ok", nil) })
	assert.Panics(t, func() { streamwork.NewSinkNode[int]("ok", nil) })
}

// TestMergeNodePorts verifies the indexed input ports of a fan-in node.
func TestMergeNodePorts(t *testing.T) {
	merge := streamwork.NewMergeNode[string]("collect", 3)

	inputs := merge.InputPorts()
	require.Len(t, inputs, 3)
	assert.Equal(t, "in0", inputs[0].Name)
	assert.Equal(t, "in1", inputs[1].Name)
	assert.Equal(t, "in2", inputs[2].Name)
	for _, p := range inputs {
		assert.Equal(t, reflect.TypeOf(""), p.Type)
	}

	require.Len(t, merge.OutputPorts(), 1)
	assert.Equal(t, streamwork.DefaultOutPort, merge.OutputPorts()[0].Name)

	assert.Panics(t, func() { streamwork.NewMergeNode[string]("bad", 0) })
}

// TestRouterNodePorts verifies the indexed output ports and construction guards
// of a content-routing node.
func TestRouterNodePorts(t *testing.T) {
	route := func(_ context.Context, n int) (int, error) { return n % 2, nil }
	router := streamwork.NewRouterNode[int]("split", 2, route)

	require.Len(t, router.InputPorts(), 1)
	assert.Equal(t, streamwork.DefaultInPort, router.InputPorts()[0].Name)

	outputs := router.OutputPorts()
	require.Len(t, outputs, 2)
	assert.Equal(t, "out0", outputs[0].Name)
	assert.Equal(t, "out1", outputs[1].Name)

	assert.Panics(t, func() { streamwork.NewRouterNode[int]("bad", 2, nil) })
	assert.Panics(t, func() { streamwork.NewRouterNode[int]("bad", 0, route) })
	assert.Panics(t, func() {
		streamwork.NewRouterNode[int]("bad", 2, route,
			streamwork.WithRouterErrorStrategy[int](streamwork.SendToErrorChannel))
	}, "SendToErrorChannel without a channel")
}

// TestEdgePointStringAndParse verifies the "node.port" endpoint syntax in both
// directions.
func TestEdgePointStringAndParse(t *testing.T) {
	cases := []struct {
		raw      string
		rendered string
	}{
		{"reader", "reader"},
		{"reader.out", "reader.out"},
		{"router.out1", "router.out1"},
	}

	for _, tc := range cases {
		point := streamwork.ParseEdgePoint(tc.raw)
		assert.Equal(t, tc.rendered, point.String())
	}

	// Everything after the first dot belongs to the port name.
	nested := streamwork.ParseEdgePoint("node.a.b")
	assert.Equal(t, "node.a.b", nested.String())
}

// TestNodeHandleEndpoints verifies the handle helpers used when wiring edges.
func TestNodeHandleEndpoints(t *testing.T) {
	pipeline := streamwork.NewGraphPipeline()
	handle := pipeline.AddNode(streamwork.NewMergeNode[int]("join", 2))

	assert.Equal(t, "join", handle.Name())
	assert.Equal(t, "join", handle.Point().String())
	assert.Equal(t, "join.out", handle.Out("out").String())
	assert.Equal(t, "join.in1", handle.In("in1").String())
}
