package mock

import (
	"context"

	"github.com/kiranshivaraju/docpipe/internal/vision"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// MockDescriber satisfies models.VisionDescriber for testing.
type MockDescriber struct {
	Name_        string
	DescribeFunc func(ctx context.Context, image []byte, mimeType string) (models.Description, error)
}

func (m *MockDescriber) Name() string { return m.Name_ }

func (m *MockDescriber) Describe(ctx context.Context, image []byte, mimeType string) (models.Description, error) {
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, image, mimeType)
	}
	return models.Description{}, nil
}

// NewMockDescriber returns a MockDescriber with a fixed description.
func NewMockDescriber() *MockDescriber {
	return &MockDescriber{
		Name_: "mock",
		DescribeFunc: func(_ context.Context, _ []byte, _ string) (models.Description, error) {
			return models.Description{
				Summary: "A bar chart of quarterly revenue",
				Detail:  "Four bars rise from left to right with the last quarter highest.",
			}, nil
		},
	}
}

// NewFailingDescriber returns a MockDescriber that always returns err.
func NewFailingDescriber(err error) *MockDescriber {
	return &MockDescriber{
		Name_: "mock-failing",
		DescribeFunc: func(_ context.Context, _ []byte, _ string) (models.Description, error) {
			return models.Description{}, err
		},
	}
}

// NewTimeoutDescriber returns a MockDescriber that blocks until ctx is done.
func NewTimeoutDescriber() *MockDescriber {
	return &MockDescriber{
		Name_: "mock-timeout",
		DescribeFunc: func(ctx context.Context, _ []byte, _ string) (models.Description, error) {
			<-ctx.Done()
			return models.Description{}, vision.ErrInferenceTimeout
		},
	}
}

// MockModel satisfies models.VisionModel for testing.
type MockModel struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.VisionRequest) (string, error)
}

func (m *MockModel) Name() string { return m.Name_ }

func (m *MockModel) Generate(ctx context.Context, req models.VisionRequest) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return "", nil
}

var (
	_ models.VisionDescriber = (*MockDescriber)(nil)
	_ models.VisionModel     = (*MockModel)(nil)
)
