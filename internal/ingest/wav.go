package ingest

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/framesync/api/internal/pipeline"
)

// ReadWAV decodes the extracted track back into normalized samples for
// fingerprinting. Only the format ffmpeg writes for us is supported: RIFF
// WAVE, PCM, 16-bit, mono. Anything else means the extraction step was
// bypassed or produced garbage, which is unrecoverable.
func ReadWAV(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var header [12]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, 0, pipeline.Unrecoverable(fmt.Errorf("wav header: %w", err))
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, pipeline.Unrecoverable(fmt.Errorf("not a RIFF/WAVE file"))
	}

	var (
		sampleRate    int
		bitsPerSample int
		channels      int
		haveFmt       bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("wav has no data chunk"))
			}
			return nil, 0, err
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(f, body); err != nil {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("wav fmt chunk: %w", err))
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			if format != 1 {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("unsupported wav format %d, want PCM", format))
			}
			if channels != 1 || bitsPerSample != 16 {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("unsupported wav layout: %d channels, %d bits", channels, bitsPerSample))
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("wav data chunk before fmt chunk"))
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(f, raw); err != nil {
				return nil, 0, pipeline.Unrecoverable(fmt.Errorf("wav data chunk: %w", err))
			}
			samples := make([]float64, len(raw)/2)
			for i := range samples {
				v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
				samples[i] = float64(v) / math.MaxInt16
			}
			return samples, sampleRate, nil

		default:
			// Skip unknown chunks (LIST, etc). Chunks are word-aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return nil, 0, err
			}
		}
	}
}
