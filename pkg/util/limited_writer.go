package util

import "io"

// LimitedWriter 限制写入字节数, 超出部分静默丢弃 (防止上游错误体耗尽内存)。
//
// 语义: 始终返回 len(p), 使 io.Copy 不会因截断而得到 ErrShortWrite;
// 仅底层 writer 出错时才返回错误。
type LimitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限后静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if remain <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remain {
		chunk = chunk[:remain]
		lw.truncated = true
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Overflow 返回是否有数据被丢弃。
func (lw *LimitedWriter) Overflow() bool { return lw.truncated }

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }
