package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	streamwork "github.com/aquiline/go-streamwork"
)

// This demo runs score filtering over control messages with the linear
// builder instead of a config document. The module stages are ordinary
// stages, so they slot into a typed pipeline directly: filter_detections
// keeps the rows whose probability beats the threshold, and deserialize
// splits the survivors into fixed-size batches.

// makeScoredMessage builds a control message whose payload is a small flow
// table and whose "probs" tensor holds one score per row.
func makeScoredMessage(batch int, scores []float64) (*streamwork.ControlMessage, error) {
	schema := streamwork.TableSchema{Columns: []streamwork.ColumnSpec{
		{Name: "flow_id", Kind: streamwork.KindInt, Required: true},
		{Name: "src_ip", Kind: streamwork.KindString},
	}}

	rows := make([]map[string]any, len(scores))
	for i := range scores {
		rows[i] = map[string]any{
			"flow_id": batch*100 + i,
			"src_ip":  fmt.Sprintf("10.0.%d.%d", batch, i),
		}
	}
	table, err := streamwork.NewTableFromRows(schema, rows)
	if err != nil {
		return nil, err
	}

	tensor, err := streamwork.NewTensor(len(scores), 1, scores)
	if err != nil {
		return nil, err
	}
	tensors := streamwork.NewTensorMemory(len(scores))
	if err := tensors.SetTensor("probs", tensor); err != nil {
		return nil, err
	}

	msg := streamwork.NewControlMessage()
	msg.SetPayload(streamwork.NewTableMeta(table))
	msg.SetTensors(tensors)
	msg.SetTimestamp("scored_at", time.Now().UTC())
	return msg, nil
}

func main() {
	fmt.Println("🚀 Starting Detection Filter Pipeline...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Stages ---
	filter, err := streamwork.NewFilterDetections(streamwork.ModuleConfig{
		"threshold": 0.7,
		"copy":      false, // one output message per contiguous run of detections
	})
	if err != nil {
		log.Fatalf("❌ Failed to build filter stage: %v", err)
	}

	splitter, err := streamwork.NewDeserialize(streamwork.ModuleConfig{
		"batch_size": 2,
	})
	if err != nil {
		log.Fatalf("❌ Failed to build splitter stage: %v", err)
	}

	// --- Build Pipeline ---
	builder := streamwork.NewStreamPipeline[*streamwork.ControlMessage](
		streamwork.WithPipelineName("detections"),
		streamwork.WithPipelineBufferSize(4),
		streamwork.WithPipelineLogger(log.New(os.Stdout, "Pipeline: ", log.Ltime)),
	)
	b2 := streamwork.AddExpandStage(builder, "filter", filter)
	b3 := streamwork.AddExpandStage(b2, "split", splitter)

	pipeline, err := streamwork.Finalize(b3)
	if err != nil {
		log.Fatalf("❌ Failed to finalize pipeline: %v", err)
	}

	// --- Feed and Collect ---
	source := make(chan *streamwork.ControlMessage)
	sink := make(chan *streamwork.ControlMessage, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = streamwork.Run(ctx, pipeline, source, sink)
	}()

	go func() {
		defer close(source)
		inputs := [][]float64{
			{0.95, 0.20, 0.81, 0.90, 0.10, 0.75},
			{0.10, 0.20, 0.30},
			{0.72, 0.88, 0.91, 0.99},
		}
		for batch, scores := range inputs {
			msg, err := makeScoredMessage(batch, scores)
			if err != nil {
				log.Printf("WARN: skipping batch %d: %v", batch, err)
				continue
			}
			select {
			case source <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	kept := 0
	for msg := range sink {
		payload := msg.Payload()
		if payload == nil {
			continue
		}
		var ids []any
		if err := payload.View(func(t *streamwork.Table) error {
			col, err := t.Column("flow_id")
			if err != nil {
				return err
			}
			ids = col
			return nil
		}); err != nil {
			log.Fatalf("❌ Failed to read output payload: %v", err)
		}
		kept += len(ids)
		fmt.Printf("  📦 message %s carries flows %v\n", msg.ID(), ids)
	}

	wg.Wait()
	if runErr != nil {
		log.Fatalf("❌ Pipeline failed: %v", runErr)
	}

	fmt.Printf("\n--- Detection Summary ---\n")
	fmt.Printf("  - Flows above threshold: %d\n", kept)
	fmt.Println("\n🎉 Detection Filter Demo Complete!")
}
