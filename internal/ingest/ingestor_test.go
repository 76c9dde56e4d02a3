package ingest

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/pipeline"
)

func testIngestor(t *testing.T) *Ingestor {
	t.Helper()
	return New(config.IngestConfig{
		WorkspaceDir:  t.TempDir(),
		MaxFileSizeMB: 10,
		MaxBatchFiles: 4,
		SampleRate:    8000,
	}, nil)
}

func TestValidateUpload(t *testing.T) {
	ing := testIngestor(t)

	assert.NoError(t, ing.ValidateUpload("clip.mp4", 1024))
	assert.NoError(t, ing.ValidateUpload("CLIP.MOV", 1024))

	err := ing.ValidateUpload("notes.txt", 1024)
	require.Error(t, err)
	assert.True(t, pipeline.IsValidation(err))

	err = ing.ValidateUpload("clip.mp4", 11*1024*1024)
	require.Error(t, err)
	assert.True(t, pipeline.IsValidation(err))
}

func TestValidateBatchSize(t *testing.T) {
	ing := testIngestor(t)

	assert.NoError(t, ing.ValidateBatchSize(1))
	assert.NoError(t, ing.ValidateBatchSize(4))
	assert.True(t, pipeline.IsValidation(ing.ValidateBatchSize(0)))
	assert.True(t, pipeline.IsValidation(ing.ValidateBatchSize(5)))
}

func TestSaveUpload(t *testing.T) {
	ing := testIngestor(t)

	content := strings.Repeat("x", 100)
	path, size, err := ing.SaveUpload("b1", "f1", "evidence.MP4", strings.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, int64(100), size)
	assert.True(t, strings.HasSuffix(path, filepath.Join("b1", "f1", "original.mp4")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

// writeWAV builds a minimal PCM WAV file for decoder tests.
func writeWAV(t *testing.T, path string, samples []float64, sampleRate int) {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		v := int16(s * math.MaxInt16)
		binary.Write(&data, binary.LittleEndian, v)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestReadWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audio.wav")

	samples := make([]float64, 8000)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/8000)
	}
	writeWAV(t, path, samples, 8000)

	decoded, rate, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	require.Len(t, decoded, len(samples))
	for i := 0; i < len(samples); i += 500 {
		assert.InDelta(t, samples[i], decoded[i], 1e-3)
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not audio at all"), 0o644))

	_, _, err := ReadWAV(path)
	require.Error(t, err)
	assert.True(t, pipeline.IsUnrecoverable(err))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final error", lastLine("line one\nline two\nfinal error\n"))
	assert.Equal(t, "", lastLine(""))
}
