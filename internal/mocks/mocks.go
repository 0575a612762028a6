package mocks

import (
	"context"
	"image"
	"sync"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/region"
)

var (
	_ media.Generator  = &MockGenerator{}
	_ media.Analyzer   = &MockAnalyzer{}
	_ region.Segmenter = &MockSegmenter{}
)

// MockGenerator records every request and delegates to GenerateFunc. When
// GenerateFunc is nil a one-byte PNG-typed image is returned.
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, req *media.GenerateRequest) (*media.Image, error)

	mutex    sync.Mutex
	requests []*media.GenerateRequest
}

func (m *MockGenerator) Generate(ctx context.Context, req *media.GenerateRequest) (*media.Image, error) {
	m.mutex.Lock()
	m.requests = append(m.requests, req)
	m.mutex.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	img := media.NewImage([]byte{0}, "image/png")
	return &img, nil
}

func (m *MockGenerator) ProviderName() string {
	return "mock"
}

// Requests returns the requests received so far, in call order.
func (m *MockGenerator) Requests() []*media.GenerateRequest {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]*media.GenerateRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Generate calls.
func (m *MockGenerator) Calls() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.requests)
}

// MockAnalyzer returns Result, or delegates to AnalyzeFunc when set.
type MockAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, req *media.AnalyzeRequest) (*media.Analysis, error)
	Result      *media.Analysis

	mutex    sync.Mutex
	requests []*media.AnalyzeRequest
}

func (m *MockAnalyzer) Analyze(ctx context.Context, req *media.AnalyzeRequest) (*media.Analysis, error) {
	m.mutex.Lock()
	m.requests = append(m.requests, req)
	m.mutex.Unlock()
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	if m.Result == nil {
		return &media.Analysis{}, nil
	}
	result := *m.Result
	return &result, nil
}

// Requests returns the requests received so far, in call order.
func (m *MockAnalyzer) Requests() []*media.AnalyzeRequest {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]*media.AnalyzeRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockSegmenter returns Mask, or delegates to SegmentFunc when set.
type MockSegmenter struct {
	SegmentFunc func(ctx context.Context, img image.Image, hint string) (*region.Mask, error)
	Mask        *region.Mask

	mutex sync.Mutex
	hints []string
}

func (m *MockSegmenter) Segment(ctx context.Context, img image.Image, hint string) (*region.Mask, error) {
	m.mutex.Lock()
	m.hints = append(m.hints, hint)
	m.mutex.Unlock()
	if m.SegmentFunc != nil {
		return m.SegmentFunc(ctx, img, hint)
	}
	return m.Mask, nil
}

// Hints returns the hints passed to Segment.
func (m *MockSegmenter) Hints() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]string, len(m.hints))
	copy(out, m.hints)
	return out
}
