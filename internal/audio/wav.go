package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrFormatMismatch is returned when sentence WAV files of one chapter do not
// share sample rate, bit depth and channel count.
var ErrFormatMismatch = errors.New("wav format mismatch")

const pcmFormat = 1

// PCM describes the raw 16-bit little-endian audio produced by the mock and
// exec synthesizers.
type PCM struct {
	SampleRate int
	Channels   int
}

func isWAV(data []byte) bool {
	return wav.NewDecoder(bytes.NewReader(data)).IsValidFile()
}

// pcmBuffer wraps raw 16-bit little-endian samples.
func pcmBuffer(pcm []byte, format PCM) (*goaudio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes is not 16-bit aligned", len(pcm))
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// decodeWAV reads a whole WAV file into memory.
func decodeWAV(data []byte) (*goaudio.IntBuffer, int, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, 0, errors.New("not a wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	return buf, int(d.BitDepth), nil
}

// writeWAV encodes buf into f. The encoder patches the header sizes on Close,
// which is why it needs a seekable file.
func writeWAV(f *os.File, buf *goaudio.IntBuffer, bitDepth int) error {
	enc := wav.NewEncoder(f, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, pcmFormat)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// joinWAV decodes every file and encodes their samples, in order, as one WAV.
func (s *Store) joinWAV(files [][]byte) ([]byte, error) {
	var (
		joined   *goaudio.IntBuffer
		bitDepth int
	)
	for i, data := range files {
		buf, depth, err := decodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		if joined == nil {
			joined, bitDepth = buf, depth
			continue
		}
		if depth != bitDepth || buf.Format.SampleRate != joined.Format.SampleRate || buf.Format.NumChannels != joined.Format.NumChannels {
			return nil, fmt.Errorf("part %d is %d Hz/%d bit/%d ch, want %d Hz/%d bit/%d ch: %w",
				i, buf.Format.SampleRate, depth, buf.Format.NumChannels,
				joined.Format.SampleRate, bitDepth, joined.Format.NumChannels, ErrFormatMismatch)
		}
		joined.Data = append(joined.Data, buf.Data...)
	}
	if joined == nil {
		return nil, errors.New("nothing to join")
	}

	tmp, err := os.CreateTemp("", "narrator-chapter-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := writeWAV(tmp, joined, bitDepth); err != nil {
		return nil, err
	}
	return os.ReadFile(tmp.Name())
}
