package vision

import (
	"context"
	"encoding/binary"
	"image"
	"math"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"gocv.io/x/gocv"

	"github.com/sells-group/imagefilter/internal/model"
)

// Input layouts a network may expect.
const (
	LayoutNCHW = "nchw"
	LayoutNHWC = "nhwc"
)

// NetConfig locates a network on disk.
type NetConfig struct {
	ModelPath  string
	ConfigPath string
	// Backend is "default" or "cuda".
	Backend string
	// Layout is the input blob layout. Empty means LayoutNCHW, which is
	// what Caffe, TensorFlow and most ONNX imports expect; some ONNX
	// exports of Keras models want LayoutNHWC.
	Layout string
}

// network serializes access to a gocv.Net, which is not safe for
// concurrent Forward calls.
type network struct {
	mu     sync.Mutex
	net    gocv.Net
	layout string
}

func normalizeLayout(layout string) (string, error) {
	switch layout {
	case "", LayoutNCHW:
		return LayoutNCHW, nil
	case LayoutNHWC:
		return LayoutNHWC, nil
	default:
		return "", eris.Errorf("vision: unknown input layout %q", layout)
	}
}

func loadNetwork(cfg NetConfig) (*network, error) {
	layout, err := normalizeLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, eris.Wrapf(err, "vision: model file %s", cfg.ModelPath)
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return nil, eris.Wrapf(err, "vision: config file %s", cfg.ConfigPath)
		}
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, eris.Errorf("vision: failed to load network %s", cfg.ModelPath)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfg.Backend == "cuda" {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return nil, eris.Wrap(err, "vision: set backend")
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return nil, eris.Wrap(err, "vision: set target")
	}
	return &network{net: net, layout: layout}, nil
}

// forward runs one tensor through the network and returns the flat output.
func (n *network) forward(ctx context.Context, t model.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.Data) == 0 || len(t.Data) != t.Len() {
		return nil, eris.Errorf("vision: tensor has %d values for shape %v", len(t.Data), t.Shape)
	}

	blob, err := n.blob(t)
	if err != nil {
		return nil, err
	}
	defer blob.Close() //nolint:errcheck

	n.mu.Lock()
	defer n.mu.Unlock()

	n.net.SetInput(blob, "")
	out := n.net.Forward("")
	defer out.Close() //nolint:errcheck

	vals, err := out.DataPtrFloat32()
	if err != nil {
		return nil, eris.Wrap(err, "vision: read output")
	}
	return append([]float32(nil), vals...), nil
}

// blob converts an NHWC tensor into the network's input layout. The
// tensor is already resized and mean-subtracted, so BlobFromImage only
// transposes it to NCHW.
func (n *network) blob(t model.Tensor) (gocv.Mat, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[3] != model.InputChannels {
		return gocv.Mat{}, eris.Errorf("vision: tensor shape %v is not 1xHxWx3", t.Shape)
	}
	raw := float32Bytes(t.Data)

	if n.layout == LayoutNHWC {
		blob, err := gocv.NewMatWithSizesFromBytes(t.Shape, gocv.MatTypeCV32F, raw)
		if err != nil {
			return gocv.Mat{}, eris.Wrap(err, "vision: build input blob")
		}
		return blob, nil
	}

	h, w := t.Shape[1], t.Shape[2]
	img, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32FC3, raw)
	if err != nil {
		return gocv.Mat{}, eris.Wrap(err, "vision: build input image")
	}
	defer img.Close() //nolint:errcheck
	return gocv.BlobFromImage(img, 1.0, image.Pt(w, h), gocv.NewScalar(0, 0, 0, 0), false, false), nil
}

func float32Bytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.NativeEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func (n *network) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.net.Close()
}

// RelevanceNet is the binary off-topic/on-topic network.
type RelevanceNet struct {
	n *network
}

// NewRelevanceNet loads the relevance network.
func NewRelevanceNet(cfg NetConfig) (*RelevanceNet, error) {
	n, err := loadNetwork(cfg)
	if err != nil {
		return nil, err
	}
	return &RelevanceNet{n: n}, nil
}

// Score returns the (off-topic, on-topic) pair.
func (r *RelevanceNet) Score(ctx context.Context, t model.Tensor) (float64, float64, error) {
	out, err := r.n.forward(ctx, t)
	if err != nil {
		return 0, 0, err
	}
	if len(out) != 2 {
		return 0, 0, eris.Errorf("vision: relevance output has %d values, want 2", len(out))
	}
	return float64(out[0]), float64(out[1]), nil
}

// Close releases the network.
func (r *RelevanceNet) Close() error { return r.n.close() }

// TypeNet is the disaster-type classifier.
type TypeNet struct {
	n *network
}

// NewTypeNet loads the type network.
func NewTypeNet(cfg NetConfig) (*TypeNet, error) {
	n, err := loadNetwork(cfg)
	if err != nil {
		return nil, err
	}
	return &TypeNet{n: n}, nil
}

// Score returns one confidence per disaster type, in enumeration order.
func (c *TypeNet) Score(ctx context.Context, t model.Tensor) (model.ClassificationVector, error) {
	out, err := c.n.forward(ctx, t)
	if err != nil {
		return nil, err
	}
	vec := make(model.ClassificationVector, len(out))
	for i, v := range out {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Close releases the network.
func (c *TypeNet) Close() error { return c.n.close() }
