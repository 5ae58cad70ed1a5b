package pipeline

import (
	"context"
	"sync"

	"github.com/sells-group/imagefilter/internal/gate"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/notify"
)

// fakeVision resolves URLs to tensors tagged with their slot and classifies
// them from a per-URL table. Unknown URLs are accepted with 0.5.
type fakeVision struct {
	mu          sync.Mutex
	decisions   map[string]gate.Decision
	errs        map[string]error
	unreachable map[string]bool
	urls        map[int]string
	slots       []int
}

func newFakeVision() *fakeVision {
	return &fakeVision{
		decisions:   make(map[string]gate.Decision),
		errs:        make(map[string]error),
		unreachable: make(map[string]bool),
		urls:        make(map[int]string),
	}
}

func (f *fakeVision) accept(url string, c float64) {
	f.decisions[url] = gate.Decision{Accepted: true, Confidence: c}
}

func (f *fakeVision) reject(url string, reason model.RejectReason) {
	f.decisions[url] = gate.Decision{Reason: reason}
}

func (f *fakeVision) Resolve(_ context.Context, url string, slot int) model.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[slot] = url
	f.slots = append(f.slots, slot)
	t := model.Tensor{Shape: []int{1}, Data: []float32{float32(slot)}}
	if f.unreachable[url] {
		return t.AsPlaceholder()
	}
	return t
}

func (f *fakeVision) Classify(_ context.Context, t model.Tensor, _ model.DisasterType) (gate.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := f.urls[int(t.Data[0])]
	if err := f.errs[url]; err != nil {
		return gate.Decision{}, err
	}
	if d, ok := f.decisions[url]; ok {
		return d, nil
	}
	if t.Placeholder {
		return gate.Decision{Reason: model.RejectOffTopic}, nil
	}
	return gate.Decision{Accepted: true, Confidence: 0.5}, nil
}

type fakeScratch struct {
	clears int
	err    error
}

func (s *fakeScratch) Clear() error {
	s.clears++
	return s.err
}

type fakeNotifier struct {
	msgs []notify.Message
}

func (n *fakeNotifier) Publish(msg notify.Message) {
	n.msgs = append(n.msgs, msg)
}

func (n *fakeNotifier) kinds() []string {
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Kind)
	}
	return out
}
