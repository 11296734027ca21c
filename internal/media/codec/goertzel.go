package codec

import "math"

// dtmfRows and dtmfCols are the eight standard DTMF tone frequencies. Each
// digit is the sum of exactly one row and one column frequency.
var dtmfRows = [4]float64{697, 770, 852, 941}
var dtmfCols = [4]float64{1209, 1336, 1477, 1633}

var dtmfGrid = [4][4]rune{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// goertzelPower returns the Goertzel-algorithm power of frame at freq Hz
// sampled at sampleRate.
func goertzelPower(frame []int16, freq float64, sampleRate int) float64 {
	n := len(frame)
	if n == 0 {
		return 0
	}
	k := int(0.5 + float64(n)*freq/float64(sampleRate))
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)

	var q0, q1, q2 float64
	for _, s := range frame {
		q0 = coeff*q1 - q2 + float64(s)
		q2 = q1
		q1 = q0
	}
	return q1*q1 + q2*q2 - coeff*q1*q2
}

// ToneDetector tracks DTMF state across successive frames so that a tone
// held across several calls to Feed resolves to a single digit, honoring
// a 40ms minimum on-duration and a 15ms off-time dedup window.
type ToneDetector struct {
	sampleRate      int
	current         rune
	consecutiveOn   int
	consecutiveOff  int
	minOnFrames     int
	minOffFrames    int
	reported        bool
}

// NewToneDetector creates a Goertzel-based DTMF detector for frame-by-frame
// streaming detection, with frameSamples chosen to match the caller's frame
// size (typically 160 samples for 20ms @ 8kHz).
func NewToneDetector(sampleRate, frameSamples int) *ToneDetector {
	frameMs := frameSamples * 1000 / sampleRate
	if frameMs <= 0 {
		frameMs = 20
	}
	minOnFrames := int(MinToneDuration) * 1000 / int(8000) / frameMs
	if minOnFrames < 1 {
		minOnFrames = 1
	}
	minOffMs := 15
	minOffFrames := minOffMs / frameMs
	if minOffFrames < 1 {
		minOffFrames = 1
	}
	return &ToneDetector{
		sampleRate:   sampleRate,
		minOnFrames:  minOnFrames,
		minOffFrames: minOffFrames,
	}
}

// Feed pushes one frame of linear PCM through the detector and returns a
// digit exactly once per sustained tone: when a tone has been present for at
// least the minimum on-duration and has not yet been reported for this
// press. Silence (or a different tone) for the off-time window resets the
// detector so a repeated digit is reported again.
func (d *ToneDetector) Feed(frame []int16) (digit rune, ok bool) {
	detected := DetectDTMF(frame, d.sampleRate)

	if detected == 0 {
		d.consecutiveOff++
		d.consecutiveOn = 0
		if d.consecutiveOff >= d.minOffFrames {
			d.current = 0
			d.reported = false
		}
		return 0, false
	}

	d.consecutiveOff = 0
	if detected != d.current {
		d.current = detected
		d.consecutiveOn = 1
		d.reported = false
		return 0, false
	}

	d.consecutiveOn++
	if d.consecutiveOn >= d.minOnFrames && !d.reported {
		d.reported = true
		return detected, true
	}
	return 0, false
}

// DetectDTMF runs the Goertzel algorithm over one frame at the eight
// standard DTMF frequencies and returns the digit present, if any. A frame
// with no dominant row/column pair, or with ambiguous energy split across
// more than one row or column, reports no digit.
func DetectDTMF(frame []int16, sampleRate int) rune {
	if len(frame) == 0 {
		return 0
	}

	var rowPower, colPower [4]float64
	for i, f := range dtmfRows {
		rowPower[i] = goertzelPower(frame, f, sampleRate)
	}
	for i, f := range dtmfCols {
		colPower[i] = goertzelPower(frame, f, sampleRate)
	}

	rowIdx, rowMax := maxIndex(rowPower[:])
	colIdx, colMax := maxIndex(colPower[:])

	// Require a reasonable absolute energy and a clear winner over the
	// runner-up in both row and column groups to reject voice/noise.
	const minEnergy = 1e6
	const twistRatio = 4.0
	if rowMax < minEnergy || colMax < minEnergy {
		return 0
	}
	if !isDominant(rowPower[:], rowIdx, twistRatio) || !isDominant(colPower[:], colIdx, twistRatio) {
		return 0
	}

	return dtmfGrid[rowIdx][colIdx]
}

func maxIndex(v []float64) (int, float64) {
	idx := 0
	max := v[0]
	for i, x := range v[1:] {
		if x > max {
			max = x
			idx = i + 1
		}
	}
	return idx, max
}

func isDominant(v []float64, idx int, ratio float64) bool {
	for i, x := range v {
		if i == idx {
			continue
		}
		if v[idx] < x*ratio {
			return false
		}
	}
	return true
}

// GenerateTone synthesizes durationMs of linear PCM at the two given
// frequencies summed together, the standard construction for a DTMF digit
// or the voicemail beep (freqHi may be 0 for a single-frequency beep).
func GenerateTone(freqLo, freqHi float64, durationMs, sampleRate int) []int16 {
	n := durationMs * sampleRate / 1000
	out := make([]int16, n)
	const amplitude = 8000.0
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := amplitude * math.Sin(2*math.Pi*freqLo*t)
		if freqHi > 0 {
			v += amplitude * math.Sin(2*math.Pi*freqHi*t)
		}
		out[i] = Clamp16(int(v))
	}
	return out
}

// GenerateDTMFTone synthesizes the standard dual-tone for a dialed digit.
func GenerateDTMFTone(digit rune, durationMs, sampleRate int) ([]int16, bool) {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if dtmfGrid[r][c] == digit {
				return GenerateTone(dtmfRows[r], dtmfCols[c], durationMs, sampleRate), true
			}
		}
	}
	return nil, false
}
