package serial_bridge

import (
	"errors"

	"github.com/nhirsama/Goster-Gateway/src/inter"
)

// ErrCobsDecode COBS 解码失败 (数据内出现零字节或块被截断)
var ErrCobsDecode = errors.New("COBS 解码失败")

// CobsCodec 默认 COBS 实现，与传感器 MCU 端的编解码器逐字节对应
type CobsCodec struct{}

func NewCobsCodec() inter.CobsCodec {
	return &CobsCodec{}
}

// Encode 编码输入并追加 0x00 结束符
func (c *CobsCodec) Encode(in []byte) []byte {
	// 最坏情况每 254 字节多一个 code 字节，外加首 code 与结束符
	out := make([]byte, 0, len(in)+len(in)/254+2)
	out = append(out, 0)
	codeIndex := 0
	var code byte = 1

	for _, b := range in {
		if b == 0 {
			out[codeIndex] = code
			code = 1
			codeIndex = len(out)
			out = append(out, 0)
		} else {
			out = append(out, b)
			code++
			if code == 0xFF {
				out[codeIndex] = code
				code = 1
				codeIndex = len(out)
				out = append(out, 0)
			}
		}
	}

	out[codeIndex] = code
	out = append(out, 0x00) // 终止符
	return out
}

// Decode 解码一段不含结束符的数据
// 空输入返回空切片，上层据此识别唤醒哨兵
func (c *CobsCodec) Decode(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return []byte{}, nil
	}

	out := make([]byte, 0, len(in))
	readIndex := 0

	for readIndex < len(in) {
		code := in[readIndex]
		readIndex++

		if code == 0 {
			// 数据内不允许出现零字节 (结束符由上层剥离)
			return nil, ErrCobsDecode
		}

		for i := 0; i < int(code)-1; i++ {
			if readIndex >= len(in) {
				return nil, ErrCobsDecode
			}
			out = append(out, in[readIndex])
			readIndex++
		}

		// 非最终块补回隐含的 0x00
		if code < 0xFF && readIndex < len(in) {
			out = append(out, 0x00)
		}
	}

	return out, nil
}
