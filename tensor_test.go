package streamwork_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// TestNewTensorShapeValidation verifies that tensor construction rejects
// shapes that disagree with the data length.
func TestNewTensorShapeValidation(t *testing.T) {
	tensor, err := streamwork.NewTensor(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 2, tensor.Rows)
	assert.Equal(t, 3, tensor.Cols)

	_, err = streamwork.NewTensor(2, 3, []float64{1, 2, 3})
	assert.Error(t, err)

	_, err = streamwork.NewTensor(-1, 3, nil)
	assert.Error(t, err)

	empty, err := streamwork.NewTensor(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Rows)
}

// TestTensorRowMajorAccess verifies At and Row against a known layout.
func TestTensorRowMajorAccess(t *testing.T) {
	tensor, err := streamwork.NewTensor(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, tensor.At(0, 0), 1e-9)
	assert.InDelta(t, 3.0, tensor.At(0, 2), 1e-9)
	assert.InDelta(t, 4.0, tensor.At(1, 0), 1e-9)
	assert.InDelta(t, 6.0, tensor.At(1, 2), 1e-9)

	assert.Equal(t, []float64{4, 5, 6}, tensor.Row(1))

	// Row is a view: writes through it are visible in the tensor.
	tensor.Row(0)[1] = 20
	assert.InDelta(t, 20.0, tensor.At(0, 1), 1e-9)
}

// TestTensorCopyIndependence verifies that Copy detaches the data.
func TestTensorCopyIndependence(t *testing.T) {
	orig := streamwork.NewVectorTensor([]float64{0.1, 0.2})
	dup := orig.Copy()

	dup.Data[0] = 9.9
	assert.InDelta(t, 0.1, orig.At(0, 0), 1e-9)
	assert.Equal(t, orig.Rows, dup.Rows)
	assert.Equal(t, orig.Cols, dup.Cols)
}

// TestVectorTensorShape verifies that vectors become single-column tensors.
func TestVectorTensorShape(t *testing.T) {
	v := streamwork.NewVectorTensor([]float64{7, 8, 9})
	assert.Equal(t, 3, v.Rows)
	assert.Equal(t, 1, v.Cols)
	assert.Equal(t, []float64{8}, v.Row(1))
}

// TestTensorMemory verifies the named tensor store and its row count check.
func TestTensorMemory(t *testing.T) {
	tm := streamwork.NewTensorMemory(3)

	assert.False(t, tm.HasTensor("probs"))
	_, err := tm.GetTensor("probs")
	assert.Error(t, err)

	require.NoError(t, tm.SetTensor("probs", streamwork.NewVectorTensor([]float64{0.1, 0.5, 0.9})))

	wide, err := streamwork.NewTensor(3, 2, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.NoError(t, tm.SetTensor("embeddings", wide))

	// Row count mismatch is rejected.
	err = tm.SetTensor("bad", streamwork.NewVectorTensor([]float64{1.0}))
	assert.Error(t, err)

	assert.True(t, tm.HasTensor("probs"))
	got, err := tm.GetTensor("embeddings")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cols)

	assert.ElementsMatch(t, []string{"probs", "embeddings"}, tm.TensorNames())
}
