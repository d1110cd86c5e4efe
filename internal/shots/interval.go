package shots

import "fmt"

// Interval is one continuous shot, both ends inclusive 0-based frame indices
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len is the number of frames in the shot
func (i Interval) Len() int {
	return i.End - i.Start + 1
}

func (i Interval) String() string {
	return fmt.Sprintf("[%d, %d]", i.Start, i.End)
}

// Threshold maps every score strictly above t to 1, everything else to 0
func Threshold(scores []float32, t float64) []uint8 {
	binary := make([]uint8, len(scores))
	for i, s := range scores {
		if float64(s) > t {
			binary[i] = 1
		}
	}
	return binary
}

// Intervals derives shots from a binary boundary signal. A 1->0 transition
// opens a shot, a 0->1 transition (not at position 0) closes it at that
// position, and a trailing 0 closes the last shot at the end of the signal.
// A signal without any boundary is one shot covering everything.
func Intervals(binary []uint8) []Interval {
	if len(binary) == 0 {
		return nil
	}

	var (
		shots []Interval
		start int
		prev  uint8
	)
	for i, curr := range binary {
		if prev == 1 && curr == 0 {
			start = i
		}
		if prev == 0 && curr == 1 && i != 0 {
			shots = append(shots, Interval{Start: start, End: i})
		}
		prev = curr
	}

	last := len(binary) - 1
	if prev == 0 {
		shots = append(shots, Interval{Start: start, End: last})
	}
	if len(shots) == 0 {
		shots = append(shots, Interval{Start: 0, End: last})
	}
	return shots
}
