package vision

import (
	"errors"

	"github.com/kiranshivaraju/docpipe/internal/vision/transport"
)

var (
	ErrProviderUnavailable = transport.ErrProviderUnavailable
	ErrInferenceTimeout    = transport.ErrInferenceTimeout
	ErrInvalidResponse     = transport.ErrInvalidResponse
	ErrUndecodableImage    = errors.New("image could not be decoded")
)
