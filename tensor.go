package streamwork

import "fmt"

// Tensor is a dense, row-major matrix of float64 scores. A vector is
// represented as a single-column tensor so that per-row operations treat
// vectors and matrices uniformly.
type Tensor struct {
	Rows int
	Cols int
	Data []float64
}

// NewTensor creates a tensor and checks that the data length matches the
// declared shape.
func NewTensor(rows, cols int, data []float64) (*Tensor, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid tensor shape %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("tensor shape %dx%d requires %d values, got %d", rows, cols, rows*cols, len(data))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}, nil
}

// NewVectorTensor creates a single-column tensor from a vector of scores.
func NewVectorTensor(data []float64) *Tensor {
	return &Tensor{Rows: len(data), Cols: 1, Data: data}
}

// At returns the value at row r, column c.
func (t *Tensor) At(r, c int) float64 {
	return t.Data[r*t.Cols+c]
}

// Row returns the values of row r as a slice view into the tensor data.
func (t *Tensor) Row(r int) []float64 {
	return t.Data[r*t.Cols : (r+1)*t.Cols]
}

// Copy returns a deep copy of the tensor.
func (t *Tensor) Copy() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Rows: t.Rows, Cols: t.Cols, Data: data}
}

// TensorMemory holds named tensors attached to a message, typically model
// outputs aligned row-for-row with the message payload.
type TensorMemory struct {
	// Count is the number of payload rows the tensors describe. Every tensor
	// in the memory has exactly Count rows.
	Count   int
	tensors map[string]*Tensor
}

// NewTensorMemory creates an empty tensor memory for the given row count.
func NewTensorMemory(count int) *TensorMemory {
	return &TensorMemory{
		Count:   count,
		tensors: make(map[string]*Tensor),
	}
}

// SetTensor stores a tensor under the given name. The tensor's row count must
// match the memory's count.
func (tm *TensorMemory) SetTensor(name string, t *Tensor) error {
	if t.Rows != tm.Count {
		return fmt.Errorf("tensor %q has %d rows, memory expects %d", name, t.Rows, tm.Count)
	}
	tm.tensors[name] = t
	return nil
}

// GetTensor returns the named tensor.
func (tm *TensorMemory) GetTensor(name string) (*Tensor, error) {
	t, ok := tm.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor memory has no tensor %q", name)
	}
	return t, nil
}

// HasTensor reports whether a tensor with the given name is present.
func (tm *TensorMemory) HasTensor(name string) bool {
	_, ok := tm.tensors[name]
	return ok
}

// TensorNames returns the names of all stored tensors.
func (tm *TensorMemory) TensorNames() []string {
	names := make([]string, 0, len(tm.tensors))
	for name := range tm.tensors {
		names = append(names, name)
	}
	return names
}
