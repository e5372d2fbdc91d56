// Package track holds the annotation model shared by dataset storage and the
// VIAME CSV codec.
package track

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ConfidencePair is one (type, confidence) classification. It is encoded as a
// two element JSON array.
type ConfidencePair struct {
	Type       string
	Confidence float64
}

func (p ConfidencePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Type, p.Confidence})
}

func (p *ConfidencePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("confidence pair: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Type); err != nil {
		return fmt.Errorf("confidence pair type: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Confidence); err != nil {
		return fmt.Errorf("confidence pair confidence: %w", err)
	}
	return nil
}

// Point is an image coordinate, encoded as [x, y].
type Point struct {
	X float64
	Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Feature is the detection of a track on one frame. Bounds are
// [x1, y1, x2, y2] in pixels.
type Feature struct {
	Frame       int            `json:"frame"`
	Bounds      [4]int         `json:"bounds"`
	Keyframe    bool           `json:"keyframe"`
	Interpolate bool           `json:"interpolate"`
	FishLength  *float64       `json:"fishLength,omitempty"`
	Head        *Point         `json:"head,omitempty"`
	Tail        *Point         `json:"tail,omitempty"`
	Polygon     []Point        `json:"polygon,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Track is an object followed over a frame range.
type Track struct {
	TrackID         int              `json:"trackId"`
	Begin           int              `json:"begin"`
	End             int              `json:"end"`
	ConfidencePairs []ConfidencePair `json:"confidencePairs"`
	Attributes      map[string]any   `json:"attributes"`
	Features        []Feature        `json:"features"`
}

// Tracks is the annotation document of a dataset, keyed by track id.
type Tracks map[int]*Track

// New returns an empty track spanning a single frame.
func New(id, frame int) *Track {
	return &Track{
		TrackID:    id,
		Begin:      frame,
		End:        frame,
		Attributes: map[string]any{},
	}
}

// AddFeature appends f and widens the track range to include it.
func (t *Track) AddFeature(f Feature) {
	if len(t.Features) == 0 {
		t.Begin, t.End = f.Frame, f.Frame
	}
	t.Begin = min(t.Begin, f.Frame)
	t.End = max(t.End, f.Frame)
	t.Features = append(t.Features, f)
}

// SortedPairs returns the confidence pairs by descending confidence. Ties
// keep their original order.
func (t *Track) SortedPairs() []ConfidencePair {
	out := append([]ConfidencePair(nil), t.ConfidencePairs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Top returns the highest confidence pair, or false when the track is
// unclassified.
func (t *Track) Top() (ConfidencePair, bool) {
	pairs := t.SortedPairs()
	if len(pairs) == 0 {
		return ConfidencePair{}, false
	}
	return pairs[0], true
}

// IDs returns the track ids in ascending order.
func (ts Tracks) IDs() []int {
	ids := make([]int, 0, len(ts))
	for id := range ts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Interpolate expands the keyframe pair (a, b) into one feature per frame in
// [a.Frame, b.Frame). The first element is a itself; the rest carry linearly
// interpolated bounds and no geometry.
func Interpolate(a, b Feature) []Feature {
	span := b.Frame - a.Frame
	if span <= 0 {
		return []Feature{a}
	}
	out := make([]Feature, 0, span)
	out = append(out, a)
	for i := 1; i < span; i++ {
		frac := float64(i) / float64(span)
		var bounds [4]int
		for k := range bounds {
			v := float64(a.Bounds[k]) + (float64(b.Bounds[k])-float64(a.Bounds[k]))*frac
			bounds[k] = Round(v)
		}
		out = append(out, Feature{
			Frame:       a.Frame + i,
			Bounds:      bounds,
			Interpolate: true,
		})
	}
	return out
}

// Round rounds half to even, matching how VIAME tooling rounds coordinates.
func Round(v float64) int {
	return int(math.RoundToEven(v))
}
