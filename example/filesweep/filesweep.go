package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	streamwork "github.com/aquiline/go-streamwork"
)

// This demo sweeps a directory of timestamped JSON-lines files through the
// four stock modules: file_batcher groups the files by calendar day,
// data_loader reads each group into a table, serialize drops the bookkeeping
// columns, and write_to_file appends everything to one output file. The
// pipeline shape comes from a YAML document; code only feeds the entry
// module and drains the exit module.

const pipelineDocument = `
version: "1.0"
pipeline_name: file-sweep
buffer_size: 8

nodes:
  - name: batcher
    type: module
    properties:
      module: streamwork/file_batcher
      config:
        period: 1d
        file_type: jsonlines
        timestamp_column_name: ts
        cache_dir: %q
        schema:
          columns:
            - name: ts
              kind: time
              required: true
            - name: host
              kind: string
            - name: latency_ms
              kind: float

  - name: loader
    type: module
    properties:
      module: streamwork/data_loader
      config:
        loaders:
          - id: file_to_table

  - name: project
    type: module
    properties:
      module: streamwork/serialize

  - name: writer
    type: module
    properties:
      module: streamwork/write_to_file
      config:
        filename: %q
        overwrite: true

edges:
  - from: batcher.output
    to: loader.input
  - from: loader.output
    to: project.input
  - from: project.output
    to: writer.input
`

// generateSampleFiles writes two event files for each of three consecutive
// days. The timestamp in the file name is what the batcher groups on.
func generateSampleFiles(dir string) (int, error) {
	hosts := []string{"web-1", "web-2"}
	rows := 0
	for day := 5; day <= 7; day++ {
		for h, host := range hosts {
			stamp := time.Date(2024, 3, day, 8+h, 30, 0, 0, time.UTC)
			name := fmt.Sprintf("events-%sZ.jsonl", stamp.Format("2006-01-02T15_04_05"))
			var sb strings.Builder
			for i := 0; i < 4; i++ {
				fmt.Fprintf(&sb, "{\"ts\": %q, \"host\": %q, \"latency_ms\": %.1f}\n",
					stamp.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), host, 10.0+float64(day*i))
				rows++
			}
			if err := os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0o644); err != nil {
				return 0, err
			}
		}
	}
	return rows, nil
}

func main() {
	fmt.Println("🚀 Starting File Sweep Pipeline...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// --- Sample Data ---
	workDir, err := os.MkdirTemp("", "filesweep-*")
	if err != nil {
		log.Fatalf("❌ Failed to create working directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	inputDir := filepath.Join(workDir, "incoming")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		log.Fatalf("❌ Failed to create input directory: %v", err)
	}
	totalRows, err := generateSampleFiles(inputDir)
	if err != nil {
		log.Fatalf("❌ Failed to generate sample files: %v", err)
	}
	fmt.Printf("⚙️ Generated 6 input files (%d rows) under %s\n", totalRows, inputDir)

	outputFile := filepath.Join(workDir, "swept.jsonl")
	cacheDir := filepath.Join(workDir, "cache")

	// --- Build Pipeline From Config ---
	doc, err := streamwork.ParsePipelineDocument(
		[]byte(fmt.Sprintf(pipelineDocument, cacheDir, outputFile)))
	if err != nil {
		log.Fatalf("❌ Failed to parse pipeline document: %v", err)
	}

	pipeline, instances, err := streamwork.BuildPipelineFromConfig(doc, nil,
		streamwork.WithPipelineLogger(log.New(os.Stdout, "Pipeline: ", log.Ltime)))
	if err != nil {
		log.Fatalf("❌ Failed to build pipeline: %v", err)
	}

	// --- Bind Source and Sink ---
	// One control message kicks off the sweep: its payload names the files
	// (globs allowed) and its metadata picks streaming mode, so the batcher
	// emits one message per calendar-day group.
	source := streamwork.NewSourceNode("ingest",
		streamwork.SourceFunc[*streamwork.ControlMessage](func(ctx context.Context, out chan<- *streamwork.ControlMessage) error {
			schema := streamwork.TableSchema{Columns: []streamwork.ColumnSpec{
				{Name: "files", Kind: streamwork.KindString},
			}}
			table, err := streamwork.NewTableFromRows(schema, []map[string]any{
				{"files": filepath.Join(inputDir, "events-*.jsonl")},
			})
			if err != nil {
				return err
			}

			msg := streamwork.NewControlMessage()
			msg.SetPayload(streamwork.NewTableMeta(table))
			msg.SetMetadata(streamwork.MetadataKeyDataType, streamwork.DataTypeStreaming)
			msg.SetMetadata(streamwork.MetadataKeyBatchingOptions, map[string]any{})

			select {
			case out <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

	var batches, rows int
	sink := streamwork.NewSinkNode("summary",
		streamwork.SinkFunc[*streamwork.ControlMessage](func(ctx context.Context, in <-chan *streamwork.ControlMessage) error {
			for msg := range in {
				batches++
				if payload := msg.Payload(); payload != nil {
					rows += payload.NumRows()
				}
			}
			return nil
		}))

	srcHandle := pipeline.AddNode(source)
	sinkHandle := pipeline.AddNode(sink)
	if err := pipeline.AddEdge(srcHandle.Point(), instances["batcher"].Input("input")); err != nil {
		log.Fatalf("❌ Failed to bind source: %v", err)
	}
	if err := pipeline.AddEdge(instances["writer"].Output("output"), sinkHandle.Point()); err != nil {
		log.Fatalf("❌ Failed to bind sink: %v", err)
	}

	// --- Run ---
	if err := pipeline.Run(ctx); err != nil {
		log.Fatalf("❌ Pipeline failed: %v", err)
	}

	// --- Summarize ---
	fmt.Printf("\n--- Sweep Summary ---\n")
	fmt.Printf("  - Daily batches written: %d\n", batches)
	fmt.Printf("  - Rows carried through:  %d\n", rows)

	written, err := os.ReadFile(outputFile)
	if err != nil {
		log.Fatalf("❌ Failed to read output file: %v", err)
	}
	lines := strings.Count(string(written), "\n")
	fmt.Printf("  - Lines in %s: %d\n", filepath.Base(outputFile), lines)
	for i, line := range strings.SplitN(string(written), "\n", 4) {
		if i == 3 {
			break
		}
		fmt.Printf("      %s\n", line)
	}

	fmt.Println("\n🎉 File Sweep Demo Complete!")
}
