package taskhandler

import (
	"context"

	"github.com/oriys/quasar/internal/frame"
)

// ResultDecoder reads a result upload or download stream:
//
//	(InitData{key}, DataChunk*, DataComplete)*, LastData | InitData{""}
type ResultDecoder struct {
	reader
	done bool
}

// NewResultDecoder returns a decoder reading from src. A positive maxChunk
// bounds every inbound chunk.
func NewResultDecoder(src frame.Source, maxChunk int) *ResultDecoder {
	return &ResultDecoder{reader: reader{src: src, state: StateReadDataKey, maxChunk: maxChunk}}
}

// Decode returns the blobs in arrival order.
func (d *ResultDecoder) Decode(ctx context.Context) ([]Blob, error) {
	if d.done {
		return nil, ErrDecoderUsed
	}
	d.done = true
	blobs, err := d.readData(ctx, true)
	if err != nil {
		d.state = StateFailed
		return nil, err
	}
	d.state = StateReady
	return blobs, nil
}
