package model

// Canonical input geometry shared by the resolver and both oracles.
const (
	InputWidth    = 256
	InputHeight   = 256
	InputChannels = 3
)

// Tensor is a preprocessed image in NHWC layout with a batch size of one.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"-"`

	// Placeholder is set when the resolver substituted the placeholder
	// tensor for an unreachable or undecodable image.
	Placeholder bool `json:"placeholder"`
}

// CanonicalShape returns the NHWC shape every resolved tensor has.
func CanonicalShape() []int {
	return []int{1, InputHeight, InputWidth, InputChannels}
}

// ZeroTensor returns an all-zero tensor of the canonical shape.
func ZeroTensor() Tensor {
	return Tensor{
		Shape: CanonicalShape(),
		Data:  make([]float32, InputHeight*InputWidth*InputChannels),
	}
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// AsPlaceholder returns a copy flagged as the placeholder.
func (t Tensor) AsPlaceholder() Tensor {
	t.Placeholder = true
	return t
}
