// Package vision decodes images and runs the relevance and type networks
// with OpenCV.
package vision

import (
	"image"
	"os"

	"github.com/rotisserie/eris"
	"gocv.io/x/gocv"

	"github.com/sells-group/imagefilter/internal/model"
)

// Per-channel BGR means of the ImageNet training set. Networks trained with
// Caffe-style preprocessing expect them subtracted from raw 0-255 pixels.
var imagenetMeanBGR = [3]float32{103.939, 116.779, 123.68}

// Decoder reads an image file, resizes it to the canonical square and
// applies Caffe-style preprocessing into an NHWC float tensor. Networks
// convert it to their own input layout.
type Decoder struct {
	// Size is the output edge length. Zero uses the canonical width.
	Size int
}

// Decode implements resolve.Decoder.
func (d Decoder) Decode(path string) (model.Tensor, error) {
	if _, err := os.Stat(path); err != nil {
		return model.Tensor{}, eris.Wrap(err, "vision: stat image")
	}

	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close() //nolint:errcheck
	if img.Empty() {
		return model.Tensor{}, eris.Errorf("vision: cannot decode %s", path)
	}

	return d.fromMat(img)
}

// DecodeBytes decodes an in-memory image.
func (d Decoder) DecodeBytes(data []byte) (model.Tensor, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return model.Tensor{}, eris.Wrap(err, "vision: decode image")
	}
	defer img.Close() //nolint:errcheck
	if img.Empty() {
		return model.Tensor{}, eris.New("vision: decoded image is empty")
	}
	return d.fromMat(img)
}

func (d Decoder) fromMat(img gocv.Mat) (model.Tensor, error) {
	size := d.Size
	if size <= 0 {
		size = model.InputWidth
	}

	resized := gocv.NewMat()
	defer resized.Close() //nolint:errcheck
	// Nearest neighbour matches how the networks' training images were scaled.
	if err := gocv.Resize(img, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationNearestNeighbor); err != nil {
		return model.Tensor{}, eris.Wrap(err, "vision: resize")
	}

	// IMReadColor always yields 8-bit BGR, row-major HWC.
	pixels := resized.ToBytes()
	if len(pixels) != size*size*model.InputChannels {
		return model.Tensor{}, eris.Errorf("vision: unexpected pixel buffer of %d bytes", len(pixels))
	}

	t := model.Tensor{
		Shape: []int{1, size, size, model.InputChannels},
		Data:  make([]float32, len(pixels)),
	}
	for i, p := range pixels {
		t.Data[i] = float32(p) - imagenetMeanBGR[i%model.InputChannels]
	}
	return t, nil
}
