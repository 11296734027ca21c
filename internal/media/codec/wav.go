package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVFormat distinguishes the two sample encodings the core reads and
// writes: linear 16-bit PCM and G.711 mu-law.
type WAVFormat uint16

const (
	FormatPCM  WAVFormat = 1
	FormatULaw WAVFormat = 7
)

// AudioFile is parsed WAV metadata plus its raw sample data, restricted to
// the 8kHz mono formats the core's prompts and recordings use.
type AudioFile struct {
	Format     WAVFormat
	SampleRate uint32
	Channels   uint16
	BitDepth   uint16
	Data       []byte
}

// ReadWAV parses an 8kHz mono 16-bit PCM or mu-law WAV file.
func ReadWAV(path string) (*AudioFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var riff [4]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil || string(riff[:]) != "RIFF" {
		return nil, fmt.Errorf("not a RIFF file")
	}
	var riffSize uint32
	if err := binary.Read(f, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("read riff size: %w", err)
	}
	var wave [4]byte
	if _, err := io.ReadFull(f, wave[:]); err != nil || string(wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	af := &AudioFile{}
	for {
		var chunkID [4]byte
		n, err := io.ReadFull(f, chunkID[:])
		if n == 0 || err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk id: %w", err)
		}
		var chunkSize uint32
		if err := binary.Read(f, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("read chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			var format uint16
			if err := binary.Read(f, binary.LittleEndian, &format); err != nil {
				return nil, err
			}
			af.Format = WAVFormat(format)
			if err := binary.Read(f, binary.LittleEndian, &af.Channels); err != nil {
				return nil, err
			}
			if err := binary.Read(f, binary.LittleEndian, &af.SampleRate); err != nil {
				return nil, err
			}
			var byteRate uint32
			var blockAlign uint16
			if err := binary.Read(f, binary.LittleEndian, &byteRate); err != nil {
				return nil, err
			}
			if err := binary.Read(f, binary.LittleEndian, &blockAlign); err != nil {
				return nil, err
			}
			if err := binary.Read(f, binary.LittleEndian, &af.BitDepth); err != nil {
				return nil, err
			}
			remaining := int64(chunkSize) - 16
			if remaining > 0 {
				if _, err := f.Seek(remaining, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
		case "data":
			data := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			af.Data = data
		default:
			if _, err := f.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}

	if af.Data == nil {
		return nil, fmt.Errorf("wav file has no data chunk")
	}
	return af, nil
}

// WriteWAV writes an 8kHz mono WAV file in the given format.
func WriteWAV(path string, format WAVFormat, sampleRate uint32, bitDepth uint16, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()
	return writeWAV(f, format, sampleRate, bitDepth, data)
}

func writeWAV(w io.Writer, format WAVFormat, sampleRate uint32, bitDepth uint16, data []byte) error {
	channels := uint16(1)
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * uint32(blockAlign)
	dataSize := uint32(len(data))
	riffSize := 36 + dataSize

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'}, riffSize, [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16), uint16(format), channels,
		sampleRate, byteRate, blockAlign, bitDepth,
		[4]byte{'d', 'a', 't', 'a'}, dataSize,
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}
	_, err := w.Write(data)
	return err
}

// AppendAtomic writes data to a temp file in the same directory as path and
// renames it into place, so readers never observe a partially written file.
// This backs mailbox message capture and greeting recording.
func AppendAtomic(path string, format WAVFormat, sampleRate uint32, bitDepth uint16, data []byte) error {
	tmp := path + ".tmp"
	if err := WriteWAV(tmp, format, sampleRate, bitDepth, data); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
