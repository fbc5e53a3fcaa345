package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/sigurn/crc16"
)

// GosterCodec 实现 inter.ProtocolCodec 接口
type GosterCodec struct{}

// NewGosterCodec 创建一个新的编解码器实例
func NewGosterCodec() inter.ProtocolCodec {
	return &GosterCodec{}
}

// 初始化 Modbus CRC16 表
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func crc16Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// maxPayloadSize 流式解包时的载荷上限，防止恶意长度字段导致的内存放大
const maxPayloadSize = 1 * 1024 * 1024

func (c *GosterCodec) Pack(payload []byte, cmd inter.CmdID, keyID uint32, sessionKey []byte, seqNonce uint64) ([]byte, error) {
	payloadLen := len(payload)
	if payloadLen > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d", inter.ErrPayloadTooLarge, payloadLen)
	}

	totalSize := int(inter.HeaderSize) + payloadLen + int(inter.FooterSize)

	// 初始长度为 HeaderSize 用于填充头部，容量为 totalSize 用于追加 Payload/Footer
	buf := make([]byte, inter.HeaderSize, totalSize)

	var flags uint8 = 0
	isEncrypted := sessionKey != nil
	if isEncrypted {
		flags |= inter.FlagEncrypted
	}

	// 填充头部 (Offset 0-31)
	binary.LittleEndian.PutUint16(buf[0:], inter.MagicNumber)
	buf[2] = inter.ProtocolVersion
	buf[3] = flags
	binary.LittleEndian.PutUint16(buf[4:], 0) // Status
	binary.LittleEndian.PutUint16(buf[6:], uint16(cmd))
	binary.LittleEndian.PutUint32(buf[8:], keyID)
	binary.LittleEndian.PutUint32(buf[12:], uint32(payloadLen))

	// Nonce: 单调计数形式，Offset 16
	// 前 4 字节保持为 0，后 8 字节为小端序列号
	binary.LittleEndian.PutUint64(buf[20:], seqNonce)

	// 计算 Header CRC16 (Offset 0-27)
	// 覆盖前 28 字节 (Magic, Ver, Flags, Status, Cmd, Key, Len, Nonce)
	hCrc := crc16Modbus(buf[:28])
	binary.LittleEndian.PutUint16(buf[28:], hCrc)
	// buf[30:32] 是填充位，已为 0

	// 加密或追加 Payload
	if isEncrypted {
		block, err := aes.NewCipher(sessionKey)
		if err != nil {
			return nil, fmt.Errorf("AES初始化失败: %w", err)
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("GCM初始化失败: %w", err)
		}

		// Nonce 在 buf[16:28]
		nonce := buf[16:28]
		// AAD 是 buf[:28] (不含CRC/Padding的头部)
		aad := buf[:28]

		// gcm.Seal 追加 (ciphertext + tag) 到 dst
		// 此时 buf 长度为 32，追加后长度为 32 + len(payload) + 16
		buf = gcm.Seal(buf, nonce, payload, aad)

		// 校验最终大小
		if len(buf) != totalSize {
			return nil, fmt.Errorf("加密输出大小不匹配: 期望 %d, 实际 %d", totalSize, len(buf))
		}

	} else {
		// 明文模式
		buf = append(buf, payload...)

		// 计算 CRC32 (Header + Payload)
		chk := crc32.NewIEEE()
		chk.Write(buf)
		sum := chk.Sum32()

		// 追加 Footer (CRC32 + Padding)
		// Footer 共 16 字节，前 4 字节为 CRC32，其余为 0
		currentLen := len(buf)
		buf = append(buf, make([]byte, inter.FooterSize)...)
		binary.LittleEndian.PutUint32(buf[currentLen:], sum)
	}

	return buf, nil
}

// parseHeader 校验魔数与 CRC16 并解出头部字段
func parseHeader(headerBuf []byte) (*inter.Packet, uint32, []byte, error) {
	magic := binary.LittleEndian.Uint16(headerBuf[0:])
	if magic != inter.MagicNumber {
		return nil, 0, nil, fmt.Errorf("%w: 0x%X", inter.ErrBadMagic, magic)
	}

	expectedCRC := binary.LittleEndian.Uint16(headerBuf[28:])
	actualCRC := crc16Modbus(headerBuf[:28])
	if expectedCRC != actualCRC {
		return nil, 0, nil, fmt.Errorf("%w: 期望 0x%X, 实际 0x%X", inter.ErrBadHeaderCRC, expectedCRC, actualCRC)
	}

	// 填充位不在 CRC16 覆盖范围内，单独要求为零
	if headerBuf[30] != 0 || headerBuf[31] != 0 {
		return nil, 0, nil, fmt.Errorf("%w: 头部填充位非零", inter.ErrBadHeaderCRC)
	}

	flags := headerBuf[3]
	pkt := &inter.Packet{
		CmdID:       inter.CmdID(binary.LittleEndian.Uint16(headerBuf[6:])),
		Status:      binary.LittleEndian.Uint16(headerBuf[4:]),
		KeyID:       binary.LittleEndian.Uint32(headerBuf[8:]),
		IsAck:       flags&inter.FlagAck != 0,
		IsEncrypted: flags&inter.FlagEncrypted != 0,
	}
	length := binary.LittleEndian.Uint32(headerBuf[12:])
	nonce := headerBuf[16:28]
	return pkt, length, nonce, nil
}

// decodeBody 校验 Footer 并还原载荷
// bodyBuf 结构: [Payload(length) | Footer(16)]
func decodeBody(pkt *inter.Packet, headerBuf, bodyBuf, nonce []byte, length uint32, key []byte) error {
	if pkt.IsEncrypted {
		if key == nil {
			return fmt.Errorf("%w: 收到加密包但会话密钥不存在", inter.ErrCryptoFail)
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("%w: %v", inter.ErrCryptoFail, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("%w: %v", inter.ErrCryptoFail, err)
		}

		// AAD (Header 前 28 字节)
		// bodyBuf 包含 [EncryptedPayload... | Tag(16)]，正好符合 gcm.Open 的输入要求
		plaintext, err := gcm.Open(nil, nonce, bodyBuf, headerBuf[:28])
		if err != nil {
			return fmt.Errorf("%w: %v", inter.ErrCryptoFail, err)
		}
		pkt.Payload = plaintext
		return nil
	}

	// 明文校验: 计算 Header + Payload 的 CRC32
	rawPayload := bodyBuf[:length]
	footer := bodyBuf[length:]

	chk := crc32.NewIEEE()
	chk.Write(headerBuf)
	chk.Write(rawPayload)
	actualSum := chk.Sum32()

	expectedSum := binary.LittleEndian.Uint32(footer[0:])
	if actualSum != expectedSum {
		return fmt.Errorf("%w: 期望 0x%X, 实际 0x%X", inter.ErrBadBodyCRC, expectedSum, actualSum)
	}

	// CRC32 之后的 12 字节填充同样要求为零
	for _, b := range footer[4:] {
		if b != 0 {
			return fmt.Errorf("%w: 尾部填充位非零", inter.ErrBadBodyCRC)
		}
	}
	pkt.Payload = rawPayload
	return nil
}

func (c *GosterCodec) Unpack(r io.Reader, key []byte) (*inter.Packet, error) {
	// 读取 Header (32 Bytes)
	headerBuf := make([]byte, inter.HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}

	pkt, length, nonce, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	if length > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d", inter.ErrPayloadTooLarge, length)
	}

	// 读取 Payload + Footer (一次性读取)
	bodyBuf := make([]byte, length+inter.FooterSize)
	if _, err := io.ReadFull(r, bodyBuf); err != nil {
		return nil, err
	}

	if err := decodeBody(pkt, headerBuf, bodyBuf, nonce, length, key); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (c *GosterCodec) ParseFrame(buf []byte, key []byte) (*inter.Packet, error) {
	if uint32(len(buf)) < inter.MinFrameSize {
		return nil, fmt.Errorf("%w: %d 字节", inter.ErrFrameTooShort, len(buf))
	}

	headerBuf := buf[:inter.HeaderSize]
	pkt, length, nonce, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	// 外层缓冲区必须恰好等于 Header + Payload + Footer
	if uint32(len(buf)) != inter.HeaderSize+length+inter.FooterSize {
		return nil, fmt.Errorf("%w: 头部声明 %d, 实际 %d", inter.ErrLengthMismatch,
			length, uint32(len(buf))-inter.MinFrameSize)
	}

	if err := decodeBody(pkt, headerBuf, buf[inter.HeaderSize:], nonce, length, key); err != nil {
		return nil, err
	}
	return pkt, nil
}
