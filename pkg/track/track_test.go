package track

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidencePair_JSONArray(t *testing.T) {
	data, err := json.Marshal(ConfidencePair{Type: "fish", Confidence: 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `["fish", 0.5]`, string(data))

	var p ConfidencePair
	require.NoError(t, json.Unmarshal([]byte(`["scallop", 1]`), &p))
	assert.Equal(t, ConfidencePair{Type: "scallop", Confidence: 1}, p)

	assert.Error(t, json.Unmarshal([]byte(`["only"]`), &p))
}

func TestTracks_DecodeDocument(t *testing.T) {
	doc := `{"3": {"trackId": 3, "begin": 1, "end": 2, "attributes": {},
		"confidencePairs": [["a", 0.2], ["b", 0.9]],
		"features": [{"frame": 1, "bounds": [1,2,3,4], "keyframe": true, "interpolate": false, "head": [5, 6]}]}}`
	var ts Tracks
	require.NoError(t, json.Unmarshal([]byte(doc), &ts))
	require.Contains(t, ts, 3)
	tr := ts[3]
	assert.Equal(t, [4]int{1, 2, 3, 4}, tr.Features[0].Bounds)
	require.NotNil(t, tr.Features[0].Head)
	assert.Equal(t, Point{X: 5, Y: 6}, *tr.Features[0].Head)

	top, ok := tr.Top()
	require.True(t, ok)
	assert.Equal(t, "b", top.Type)
}

func TestTrack_AddFeatureWidensRange(t *testing.T) {
	tr := New(1, 10)
	tr.AddFeature(Feature{Frame: 12})
	tr.AddFeature(Feature{Frame: 4})
	assert.Equal(t, 4, tr.Begin)
	assert.Equal(t, 12, tr.End)
}

func TestTrack_SortedPairsStable(t *testing.T) {
	tr := &Track{ConfidencePairs: []ConfidencePair{{Type: "foo", Confidence: 0.2}, {Type: "bar", Confidence: 0.9}, {Type: "baz", Confidence: 0.2}}}
	got := tr.SortedPairs()
	assert.Equal(t, []string{"bar", "foo", "baz"}, []string{got[0].Type, got[1].Type, got[2].Type})
	// original order untouched
	assert.Equal(t, "foo", tr.ConfidencePairs[0].Type)

	_, ok := (&Track{}).Top()
	assert.False(t, ok)
}

func TestInterpolate(t *testing.T) {
	a := Feature{Frame: 1, Bounds: [4]int{2, 2, 4, 4}, Keyframe: true, Interpolate: true, Head: &Point{X: 1, Y: 1}}
	b := Feature{Frame: 3, Bounds: [4]int{4, 4, 8, 8}, Keyframe: true, Interpolate: true}

	got := Interpolate(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, 2, got[1].Frame)
	assert.Equal(t, [4]int{3, 3, 6, 6}, got[1].Bounds)
	assert.Nil(t, got[1].Head)
	assert.False(t, got[1].Keyframe)

	assert.Equal(t, []Feature{b}, Interpolate(b, a))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 22, Round(22.4534))
	assert.Equal(t, 46, Round(45.6564))
	assert.Equal(t, 2, Round(2.5))
	assert.Equal(t, 4, Round(3.5))
}
