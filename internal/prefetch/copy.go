package prefetch

import (
	"context"
	"errors"
	"io"
)

const copyChunkSize = 32 * 1024

// copyWithContext 按块复制，每读一块之前检查 ctx，取消后不会再发起读取。
// 每写完一块调用 onChunk。
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, onChunk func(n int64)) (int64, error) {
	var copied int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
			if onChunk != nil {
				onChunk(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
