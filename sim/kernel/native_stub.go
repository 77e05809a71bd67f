//go:build !accel

package kernel

import "context"

// Native without the accel build tag: never available, never holds device
// state. Select falls back to the reference kernel.
type Native struct{}

func NewNative() *Native { return &Native{} }

func (n *Native) Name() string    { return "accel (not built)" }
func (n *Native) Available() bool { return false }

func (n *Native) Initialize(in *SceneInput) (*Session, error) {
	return nil, ErrUnavailable
}

func (n *Native) Advance(ctx context.Context, s *Session, req *AdvanceRequest) (*StepResult, error) {
	return nil, ErrUnavailable
}

func (n *Native) UpdateSpatialIndex(s *Session, idx *IndexBlock) {}

func (n *Native) Finalize(s *Session) error { return nil }
