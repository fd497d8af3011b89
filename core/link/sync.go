package link

import (
	"context"
	"fmt"

	"github.com/kabili207/sensorlink/core/codec"
)

// Resynchronize recovers frame alignment on ch. It discards buffered input,
// then reads one byte at a time until the last four bytes read equal the
// frame terminator, so the next read starts on a frame boundary. It returns
// the number of bytes consumed. There is no internal timeout: it blocks until
// a terminator arrives, ctx is done, or the channel fails.
func Resynchronize(ctx context.Context, ch Channel) (int, error) {
	if err := ch.ResetInputBuffer(); err != nil {
		return 0, fmt.Errorf("resynchronize: %w", err)
	}

	var window [codec.TerminatorSize]byte
	consumed := 0
	for {
		b, err := ch.ReadByte(ctx)
		if err != nil {
			return consumed, fmt.Errorf("resynchronize: %w", err)
		}
		consumed++
		copy(window[:], window[1:])
		window[len(window)-1] = b
		if window == codec.Terminator {
			return consumed, nil
		}
	}
}
