// Package viamecsv reads and writes the VIAME detection/track CSV format.
//
// Each row is one detection:
//
//	trackId, filename, frame, x1, y1, x2, y2, confidence, length, [type, conf]...
//
// followed by optional tagged columns: "(kp) head x y", "(kp) tail x y",
// "(atr) key value", "(trk-atr) key value" and "(poly) x y x y ...". Lines
// starting with '#' are comments.
package viamecsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/3leaps/viamerun/pkg/track"
)

const (
	colTrackID = iota
	colFilename
	colFrame
	colX1
	colY1
	colX2
	colY2
	colConfidence
	colLength
	colFirstPair
)

const (
	tagKeypoint  = "(kp)"
	tagAttr      = "(atr)"
	tagTrackAttr = "(trk-atr)"
	tagPoly      = "(poly)"
)

// ErrMalformedRow is wrapped by every row-level parse failure.
var ErrMalformedRow = errors.New("malformed VIAME CSV row")

// Parse reads a VIAME CSV document into tracks. Detections are appended to
// their track in file order; the last row of a track sets its confidence
// pairs.
func Parse(r io.Reader) (track.Tracks, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	tracks := track.Tracks{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return tracks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read VIAME CSV: %w", err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		line, _ := cr.FieldPos(0)
		if err := parseRow(tracks, row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func parseRow(tracks track.Tracks, row []string) error {
	if len(row) < colFirstPair {
		return fmt.Errorf("%w: want at least %d columns, got %d", ErrMalformedRow, colFirstPair, len(row))
	}
	id, err := strconv.Atoi(strings.TrimSpace(row[colTrackID]))
	if err != nil {
		return fmt.Errorf("%w: track id %q", ErrMalformedRow, row[colTrackID])
	}
	frame, err := strconv.Atoi(strings.TrimSpace(row[colFrame]))
	if err != nil {
		return fmt.Errorf("%w: frame %q", ErrMalformedRow, row[colFrame])
	}

	feature := track.Feature{Frame: frame, Keyframe: true}
	for i := 0; i < 4; i++ {
		v, err := parseFloat(row[colX1+i])
		if err != nil {
			return fmt.Errorf("%w: bounds column %d: %v", ErrMalformedRow, colX1+i+1, err)
		}
		feature.Bounds[i] = track.Round(v)
	}
	if length, err := parseFloat(row[colLength]); err == nil && length > 0 {
		feature.FishLength = &length
	}

	var pairs []track.ConfidencePair
	i := colFirstPair
	for ; i+1 < len(row) && !strings.HasPrefix(row[i], "("); i += 2 {
		conf, err := parseFloat(row[i+1])
		if err != nil {
			return fmt.Errorf("%w: confidence for %q: %v", ErrMalformedRow, row[i], err)
		}
		pairs = append(pairs, track.ConfidencePair{Type: row[i], Confidence: conf})
	}

	trackAttrs := map[string]any{}
	for ; i < len(row); i++ {
		applyTagged(&feature, trackAttrs, row[i])
	}

	t, ok := tracks[id]
	if !ok {
		t = track.New(id, frame)
		tracks[id] = t
	}
	t.AddFeature(feature)
	t.ConfidencePairs = pairs
	for k, v := range trackAttrs {
		t.Attributes[k] = v
	}
	return nil
}

// applyTagged decodes one tagged column. Unknown or malformed tags are
// skipped.
func applyTagged(f *track.Feature, trackAttrs map[string]any, col string) {
	tag, rest, _ := strings.Cut(col, " ")
	switch tag {
	case tagKeypoint:
		fields := strings.Fields(rest)
		if len(fields) != 3 {
			return
		}
		p, ok := parsePoint(fields[1], fields[2])
		if !ok {
			return
		}
		switch fields[0] {
		case "head":
			f.Head = &p
		case "tail":
			f.Tail = &p
		}
	case tagAttr:
		if k, v, ok := splitAttr(rest); ok {
			if f.Attributes == nil {
				f.Attributes = map[string]any{}
			}
			f.Attributes[k] = v
		}
	case tagTrackAttr:
		if k, v, ok := splitAttr(rest); ok {
			trackAttrs[k] = v
		}
	case tagPoly:
		fields := strings.Fields(rest)
		if len(fields) < 2 || len(fields)%2 != 0 {
			return
		}
		poly := make([]track.Point, 0, len(fields)/2)
		for j := 0; j < len(fields); j += 2 {
			p, ok := parsePoint(fields[j], fields[j+1])
			if !ok {
				return
			}
			poly = append(poly, p)
		}
		f.Polygon = poly
	}
}

// splitAttr splits "key value with spaces" at the first space.
func splitAttr(s string) (string, any, bool) {
	k, v, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || k == "" || v == "" {
		return "", nil, false
	}
	return k, deduceValue(v), true
}

// deduceValue maps "true"/"false" to bool, numbers to float64 and leaves
// everything else as a string.
func deduceValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func parsePoint(xs, ys string) (track.Point, bool) {
	x, errX := parseFloat(xs)
	y, errY := parseFloat(ys)
	if errX != nil || errY != nil {
		return track.Point{}, false
	}
	return track.Point{X: x, Y: y}, true
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
