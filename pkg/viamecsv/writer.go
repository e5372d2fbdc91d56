package viamecsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/viamerun/pkg/track"
)

// Header is the comment line VIAME tools write ahead of the rows.
const Header = "# 1: Detection or Track-id,2: Video or Image Identifier,3: Unique Frame Identifier," +
	"4-7: Img-bbox(TL_x,TL_y,BR_x,BR_y),8: Detection or Length Confidence," +
	"9: Target Length (0 or -1 if invalid),10-11+: Repeated Species,Confidence Pairs or Attributes"

// Options controls Write.
type Options struct {
	// Filenames maps frame number to the image or video identifier column.
	Filenames []string

	// TypeFilter, when non-empty, keeps only tracks whose top type is listed.
	TypeFilter []string

	// Thresholds, when non-nil, keeps only tracks with some pair at or above
	// the threshold for its type. The "default" key applies to types without
	// their own entry.
	Thresholds map[string]float64

	// Header writes the column description comment first.
	Header bool
}

// Write serializes tracks in ascending track id order. Interpolated spans
// between keyframes are expanded to one row per frame.
func Write(w io.Writer, tracks track.Tracks, opts Options) error {
	if opts.Header {
		if _, err := io.WriteString(w, Header+"\n"); err != nil {
			return err
		}
	}

	filter := make(map[string]struct{}, len(opts.TypeFilter))
	for _, t := range opts.TypeFilter {
		filter[t] = struct{}{}
	}

	cw := csv.NewWriter(w)
	for _, id := range tracks.IDs() {
		t := tracks[id]
		if !included(t, filter, opts.Thresholds) {
			continue
		}
		if err := writeTrack(cw, t, opts.Filenames); err != nil {
			return fmt.Errorf("write track %d: %w", id, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func included(t *track.Track, filter map[string]struct{}, thresholds map[string]float64) bool {
	if len(filter) > 0 {
		top, ok := t.Top()
		if !ok {
			return false
		}
		if _, keep := filter[top.Type]; !keep {
			return false
		}
	}
	if thresholds != nil {
		return exceedsThresholds(t, thresholds)
	}
	return true
}

func exceedsThresholds(t *track.Track, thresholds map[string]float64) bool {
	def := thresholds["default"]
	for _, p := range t.ConfidencePairs {
		limit, ok := thresholds[p.Type]
		if !ok {
			limit = def
		}
		if p.Confidence >= limit {
			return true
		}
	}
	return false
}

func writeTrack(cw *csv.Writer, t *track.Track, filenames []string) error {
	pairs := t.SortedPairs()
	top := 0.0
	if len(pairs) > 0 {
		top = pairs[0].Confidence
	}
	trackAttrs := attrColumns(tagTrackAttr, t.Attributes)

	for idx, keyframe := range t.Features {
		features := []track.Feature{keyframe}
		if keyframe.Interpolate && idx < len(t.Features)-1 {
			features = track.Interpolate(keyframe, t.Features[idx+1])
		}
		for _, f := range features {
			row := []string{
				strconv.Itoa(t.TrackID),
				filenameFor(filenames, f.Frame),
				strconv.Itoa(f.Frame),
				strconv.Itoa(f.Bounds[0]),
				strconv.Itoa(f.Bounds[1]),
				strconv.Itoa(f.Bounds[2]),
				strconv.Itoa(f.Bounds[3]),
				formatFloat(top),
				lengthColumn(f.FishLength),
			}
			for _, p := range pairs {
				row = append(row, p.Type, formatFloat(p.Confidence))
			}
			if f.Head != nil && f.Tail != nil {
				row = append(row,
					fmt.Sprintf("%s head %d %d", tagKeypoint, track.Round(f.Head.X), track.Round(f.Head.Y)),
					fmt.Sprintf("%s tail %d %d", tagKeypoint, track.Round(f.Tail.X), track.Round(f.Tail.Y)),
				)
			}
			row = append(row, attrColumns(tagAttr, f.Attributes)...)
			row = append(row, trackAttrs...)
			if len(f.Polygon) > 0 {
				row = append(row, polygonColumn(f.Polygon))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func filenameFor(filenames []string, frame int) string {
	if frame >= 0 && frame < len(filenames) {
		return filenames[frame]
	}
	return ""
}

func lengthColumn(length *float64) string {
	if length == nil || *length == 0 {
		return "-1"
	}
	return formatFloat(*length)
}

func attrColumns(tag string, attrs map[string]any) []string {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s %s %s", tag, k, formatValue(attrs[k])))
	}
	return out
}

func polygonColumn(poly []track.Point) string {
	var b strings.Builder
	b.WriteString(tagPoly)
	for _, p := range poly {
		fmt.Fprintf(&b, " %d %d", track.Round(p.X), track.Round(p.Y))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatFloat(x)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// formatFloat always keeps a fractional part so whole numbers read back as
// floats ("1.0", not "1").
func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
