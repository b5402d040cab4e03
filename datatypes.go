package tracklab

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// maxHistogramBins caps the histogram resolution, matching the dashboard's
// rendering limit.
const maxHistogramBins = 512

// Histogram is a binned distribution. Unlike file-backed media it serializes
// inline: the descriptor carries the bin edges and counts directly.
type Histogram struct {
	Bins   []float64 // len(Values)+1 edges
	Values []int64
}

// NewHistogram bins a sequence into numBins equal-width buckets.
// numBins <= 0 selects the default of 64.
func NewHistogram(seq []float64, numBins int) (*Histogram, error) {
	if numBins <= 0 {
		numBins = 64
	}
	if numBins > maxHistogramBins {
		return nil, usageErrorf("NewHistogram", "%d bins exceeds the maximum of %d", numBins, maxHistogramBins)
	}
	if len(seq) == 0 {
		return nil, usageErrorf("NewHistogram", "cannot bin an empty sequence")
	}
	lo, hi := seq[0], seq[0]
	for _, v := range seq[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		// Degenerate distribution: widen the range so every value lands in a bin.
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / float64(numBins)
	h := &Histogram{
		Bins:   make([]float64, numBins+1),
		Values: make([]int64, numBins),
	}
	for i := range h.Bins {
		h.Bins[i] = lo + width*float64(i)
	}
	for _, v := range seq {
		idx := int((v - lo) / width)
		if idx >= numBins {
			idx = numBins - 1
		}
		h.Values[idx]++
	}
	return h, nil
}

// NewHistogramFromBins constructs a histogram from precomputed edges and
// counts (np.histogram-style: len(bins) == len(values)+1).
func NewHistogramFromBins(bins []float64, values []int64) (*Histogram, error) {
	if len(bins) != len(values)+1 {
		return nil, usageErrorf("NewHistogramFromBins", "want len(bins) == len(values)+1, got %d and %d", len(bins), len(values))
	}
	if len(values) > maxHistogramBins {
		return nil, usageErrorf("NewHistogramFromBins", "%d bins exceeds the maximum of %d", len(values), maxHistogramBins)
	}
	if !sort.Float64sAreSorted(bins) {
		return nil, usageErrorf("NewHistogramFromBins", "bin edges must be sorted")
	}
	return &Histogram{Bins: bins, Values: values}, nil
}

// TypeName implements Value.
func (h *Histogram) TypeName() string { return "histogram" }

// ToJSON implements Value. Histograms need no binding.
func (h *Histogram) ToJSON(_ *Run) (map[string]any, error) {
	return map[string]any{
		"_type":  "histogram",
		"bins":   h.Bins,
		"values": h.Values,
	}, nil
}

// NDArray is a fixed-shape numeric tensor cell value for tables.
type NDArray struct {
	Shape []int
	Data  []float64
}

// NewNDArray validates that the data length matches the shape product.
func NewNDArray(shape []int, data []float64) (*NDArray, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, usageErrorf("NewNDArray", "shape %v implies %d elements, got %d", shape, n, len(data))
	}
	return &NDArray{Shape: shape, Data: data}, nil
}

// Image wraps encoded image bytes. Encoding is the caller's concern; the
// SDK stores bytes and metadata only.
type Image struct {
	*Media
}

// NewImage creates an image from already-encoded bytes. format is the file
// extension ("png", "jpg", ...).
func NewImage(data []byte, format string, caption string) *Image {
	m := newMedia("images", "image-file", format, data)
	m.extra = map[string]any{"format": format}
	if caption != "" {
		m.extra["caption"] = caption
	}
	return &Image{Media: m}
}

// NewImageFromFile reads an image file from disk.
func NewImageFromFile(path, caption string) (*Image, error) {
	data, ext, err := readMediaFile(path)
	if err != nil {
		return nil, err
	}
	return NewImage(data, ext, caption), nil
}

// Audio wraps encoded audio bytes.
type Audio struct {
	*Media
}

// NewAudio creates an audio clip from encoded bytes.
func NewAudio(data []byte, format string, sampleRate int, caption string) *Audio {
	m := newMedia("audio", "audio-file", format, data)
	m.extra = map[string]any{"format": format}
	if sampleRate > 0 {
		m.extra["sample_rate"] = sampleRate
	}
	if caption != "" {
		m.extra["caption"] = caption
	}
	return &Audio{Media: m}
}

// Video wraps encoded video bytes.
type Video struct {
	*Media
}

// NewVideo creates a video from encoded bytes. format defaults to "mp4".
func NewVideo(data []byte, format string, fps int) *Video {
	if format == "" {
		format = "mp4"
	}
	m := newMedia("videos", "video-file", format, data)
	m.extra = map[string]any{"format": format}
	if fps > 0 {
		m.extra["fps"] = fps
	}
	return &Video{Media: m}
}

// Object3D wraps a 3D object payload (obj, glb, gltf, babylon, stl, pts.json).
type Object3D struct {
	*Media
}

var object3DFormats = map[string]bool{
	"obj": true, "gltf": true, "glb": true, "babylon": true, "stl": true, "pts.json": true,
}

// NewObject3D creates a 3D object from encoded bytes.
func NewObject3D(data []byte, format string) (*Object3D, error) {
	if !object3DFormats[format] {
		return nil, usageErrorf("NewObject3D", "unsupported format %q", format)
	}
	return &Object3D{Media: newMedia("object3D", "object3D-file", format, data)}, nil
}

// Html wraps an HTML document. When inject is true a minimal stylesheet is
// prepended so the fragment renders standalone in the dashboard.
type Html struct {
	*Media
}

const htmlInjectHead = "<head><meta charset=\"utf-8\"/><style>body{margin:0;font-family:sans-serif}</style></head>"

// NewHtml creates an HTML media value.
func NewHtml(html string, inject bool) *Html {
	if inject {
		html = "<html>" + htmlInjectHead + "<body>" + html + "</body></html>"
	}
	return &Html{Media: newMedia("html", "html-file", "html", []byte(html))}
}

// Plotly wraps a plotly figure, stored as its JSON representation.
type Plotly struct {
	*Media
}

// NewPlotly serializes fig (anything JSON-marshalable in plotly's schema)
// into a plotly media file.
func NewPlotly(fig any) (*Plotly, error) {
	raw, err := json.Marshal(fig)
	if err != nil {
		return nil, fmt.Errorf("plotly: marshal figure: %w", err)
	}
	return &Plotly{Media: newMedia("plotly", "plotly-file", "plotly.json", raw)}, nil
}

// GraphNode is one node of a computation graph.
type GraphNode struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Attrs map[string]any `json:"attributes,omitempty"`
}

// GraphEdge connects two nodes by ID.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a logged computation graph (e.g. from Watch with log_graph).
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// TypeName implements Value.
func (g *Graph) TypeName() string { return "graph-file" }

// ToJSON implements Value; graphs serialize inline.
func (g *Graph) ToJSON(_ *Run) (map[string]any, error) {
	return map[string]any{
		"_type": "graph-file",
		"nodes": g.Nodes,
		"edges": g.Edges,
	}, nil
}

// readMediaFile loads a file and derives its extension.
func readMediaFile(path string) (data []byte, ext string, err error) {
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("media: read %s: %w", path, err)
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return data, path[i+1:], nil
		}
		if path[i] == '/' || path[i] == '\\' {
			break
		}
	}
	return data, "bin", nil
}
