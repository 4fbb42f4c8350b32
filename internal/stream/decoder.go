// decoder.go: 字节块 → 完整文本行。
//
// 网络分块到达的字节按到达顺序送入 Decoder:
//   - 有状态 UTF-8 解码: 跨块截断的多字节字符会被重新拼合, 非法字节替换为 U+FFFD
//   - 流首的 BOM 被去掉, 不会污染第一行
//   - 以 '\n' 切行, 末尾无换行的残段留在 carry 中, 与下一块拼接
//   - Flush 在流结束时把残段作为最后一行输出 (不丢数据)
package stream

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// transformBufSize 单次 Transform 的输出缓冲。
const transformBufSize = 4096

// Decoder 单次交换专用的帧解码器, 非并发安全。
type Decoder struct {
	t       transform.Transformer
	pending []byte // 未完成的 UTF-8 字节 (等待下一块)
	carry   strings.Builder
	out     []byte
}

// NewDecoder 创建空解码器。
func NewDecoder() *Decoder {
	t := unicode.UTF8BOM.NewDecoder()
	t.Reset()
	return &Decoder{t: t, out: make([]byte, transformBufSize)}
}

// Write 送入一个字节块, 返回此块新凑齐的完整行 (不含 '\n')。
func (d *Decoder) Write(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	text := d.decode(chunk, false)
	return d.split(text)
}

// Flush 流结束: 输出残余的不完整字符 (U+FFFD) 与 carry 中的最后一行。
//
// 调用后 Decoder 回到初始状态, 可复用。
func (d *Decoder) Flush() []string {
	lines := d.split(d.decode(nil, true))
	if d.carry.Len() > 0 {
		lines = append(lines, d.carry.String())
		d.carry.Reset()
	}
	d.t.Reset()
	return lines
}

// Buffered 返回 carry 中尚未成行的文本 (调试/测试用)。
func (d *Decoder) Buffered() string { return d.carry.String() }

// decode 将 pending + chunk 解码为合法 UTF-8 文本, 不完整的尾部字节留到下一次。
func (d *Decoder) decode(chunk []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(chunk))
	src = append(append(src, d.pending...), chunk...)
	d.pending = d.pending[:0]

	var sb strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.out, src, atEOF)
		sb.Write(d.out[:nDst])
		src = src[nSrc:]
		switch err {
		case transform.ErrShortDst:
			continue
		case transform.ErrShortSrc:
			d.pending = append(d.pending, src...)
		}
		return sb.String()
	}
}

// split 把 text 接到 carry 后按 '\n' 切分, 最后一段留作新 carry。
func (d *Decoder) split(text string) []string {
	if text == "" {
		return nil
	}
	if !strings.Contains(text, "\n") {
		d.carry.WriteString(text)
		return nil
	}
	d.carry.WriteString(text)
	all := d.carry.String()
	d.carry.Reset()

	parts := strings.Split(all, "\n")
	d.carry.WriteString(parts[len(parts)-1])
	return parts[:len(parts)-1]
}
