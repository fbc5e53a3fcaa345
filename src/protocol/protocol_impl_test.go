package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nhirsama/Goster-Gateway/src/inter"
)

// =============================================================================
// 辅助函数与变量
// =============================================================================

var testSessionKey []byte

func init() {
	testSessionKey = make([]byte, 32)
	rand.Read(testSessionKey)
}

// 生成指定大小的随机 Payload
func generatePayload(size int) []byte {
	p := make([]byte, size)
	rand.Read(p)
	return p
}

// 参考实现: 按位计算的 CRC-16/MODBUS (Poly 0x8005 反射 = 0xA001, Init 0xFFFF)
func refCRC16Modbus(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// 参考实现: 按位计算的 CRC-32/IEEE
func refCRC32(data []byte) uint32 {
	var crc uint32 = 0xFFFFFFFF
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// =============================================================================
// 单元测试 (Unit Tests)
// =============================================================================

// 标准校验向量: "123456789" 的 CRC-32/IEEE 必须为 0xCBF43926
func TestCRC32_StandardVector(t *testing.T) {
	if got := refCRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("CRC32 vector mismatch: got 0x%08X, want 0xCBF43926", got)
	}
}

// 头部 CRC16 向量: 固定头部字段下库实现与按位参考实现必须一致
func TestHeaderCRC16_Vector(t *testing.T) {
	header := make([]byte, 28)
	binary.LittleEndian.PutUint16(header[0:], inter.MagicNumber)
	header[2] = inter.ProtocolVersion
	header[3] = 0
	binary.LittleEndian.PutUint16(header[6:], uint16(inter.CmdHandshakeInit))
	binary.LittleEndian.PutUint32(header[12:], 32)
	// status, key_id, nonce 全零

	lib := crc16Modbus(header)
	ref := refCRC16Modbus(header)
	if lib != ref {
		t.Errorf("CRC16 mismatch: lib 0x%04X, ref 0x%04X", lib, ref)
	}
}

// 测试：明文模式下的封包与解包
func TestPackUnpack_Plain(t *testing.T) {
	codec := NewGosterCodec()
	payload := []byte("Hello Goster Gateway")
	cmd := inter.CmdMetricsReport

	buf, err := codec.Pack(payload, cmd, 0, nil, 12345)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	// 验证总长度: Header(32) + Payload + Footer(16)
	expectedLen := int(inter.HeaderSize) + len(payload) + int(inter.FooterSize)
	if len(buf) != expectedLen {
		t.Errorf("Pack length mismatch: got %d, want %d", len(buf), expectedLen)
	}

	// Footer 前 4 字节必须是 Header+Payload 的 CRC32
	body := buf[:int(inter.HeaderSize)+len(payload)]
	wantSum := refCRC32(body)
	gotSum := binary.LittleEndian.Uint32(buf[len(body):])
	if gotSum != wantSum {
		t.Errorf("trailer CRC32 mismatch: got 0x%08X, want 0x%08X", gotSum, wantSum)
	}

	packet, err := codec.Unpack(bytes.NewReader(buf), nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if packet.CmdID != cmd {
		t.Errorf("CmdID mismatch: got %v, want %v", packet.CmdID, cmd)
	}
	if packet.IsEncrypted {
		t.Error("Packet should not be encrypted")
	}
	if !bytes.Equal(packet.Payload, payload) {
		t.Errorf("Payload mismatch: got %x, want %x", packet.Payload, payload)
	}
}

// 测试：空载荷明文帧 (48 字节) 往返
func TestPackUnpack_Plain_Empty(t *testing.T) {
	codec := NewGosterCodec()
	buf, err := codec.Pack(nil, inter.CmdHeartbeat, 0, nil, 1)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if uint32(len(buf)) != inter.MinFrameSize {
		t.Fatalf("empty frame size: got %d, want %d", len(buf), inter.MinFrameSize)
	}
	packet, err := codec.ParseFrame(buf, nil)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if len(packet.Payload) != 0 {
		t.Errorf("Payload should be empty, got %d bytes", len(packet.Payload))
	}
}

// 测试：加密模式下的封包与解包
func TestPackUnpack_Encrypted(t *testing.T) {
	codec := NewGosterCodec()
	payload := generatePayload(1024)
	cmd := inter.CmdMetricsReport

	buf, err := codec.Pack(payload, cmd, 1, testSessionKey, 98765)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	expectedLen := int(inter.HeaderSize) + len(payload) + int(inter.FooterSize)
	if len(buf) != expectedLen {
		t.Errorf("Pack length mismatch: got %d, want %d", len(buf), expectedLen)
	}

	packet, err := codec.Unpack(bytes.NewReader(buf), testSessionKey)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if !packet.IsEncrypted {
		t.Error("Packet should be encrypted")
	}
	if packet.KeyID != 1 {
		t.Errorf("KeyID mismatch: got %d, want 1", packet.KeyID)
	}
	if !bytes.Equal(packet.Payload, payload) {
		t.Error("Payload mismatch after decryption")
	}
}

// 测试：加密模式下的空载荷帧，Tag 必须单独认证 AAD
func TestPackUnpack_Encrypted_Empty(t *testing.T) {
	codec := NewGosterCodec()
	buf, err := codec.Pack(nil, inter.CmdHeartbeat, 1, testSessionKey, 7)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if uint32(len(buf)) != inter.MinFrameSize {
		t.Fatalf("empty encrypted frame size: got %d", len(buf))
	}

	packet, err := codec.ParseFrame(buf, testSessionKey)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if len(packet.Payload) != 0 {
		t.Errorf("Payload should be empty")
	}

	// 篡改 AAD (头部 cmd_id 字节) 并修复 CRC16 后，Tag 校验必须失败
	tampered := make([]byte, len(buf))
	copy(tampered, buf)
	tampered[6] ^= 0x01
	fix := crc16Modbus(tampered[:28])
	binary.LittleEndian.PutUint16(tampered[28:], fix)

	_, err = codec.ParseFrame(tampered, testSessionKey)
	if !errors.Is(err, inter.ErrCryptoFail) {
		t.Errorf("Expect ErrCryptoFail for AAD tampering, got %v", err)
	}
}

// 测试：明文帧任意单比特翻转都必须被四类错误之一拒绝
func TestParseFrame_SingleBitFlip(t *testing.T) {
	codec := NewGosterCodec()
	payload := []byte("bitflip probe payload")
	buf, err := codec.Pack(payload, inter.CmdMetricsReport, 0, nil, 42)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	for i := 0; i < len(buf); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := make([]byte, len(buf))
			copy(tampered, buf)
			tampered[i] ^= 1 << bit

			_, err := codec.ParseFrame(tampered, nil)
			if err == nil {
				t.Fatalf("byte %d bit %d: corruption not detected", i, bit)
			}
			ok := errors.Is(err, inter.ErrBadMagic) ||
				errors.Is(err, inter.ErrBadHeaderCRC) ||
				errors.Is(err, inter.ErrBadBodyCRC) ||
				errors.Is(err, inter.ErrLengthMismatch)
			if !ok {
				t.Fatalf("byte %d bit %d: unexpected error class: %v", i, bit, err)
			}
		}
	}
}

// 测试：截断与加长缓冲区必须报长度不一致
func TestParseFrame_LengthMismatch(t *testing.T) {
	codec := NewGosterCodec()
	buf, _ := codec.Pack([]byte("abcdef"), inter.CmdMetricsReport, 0, nil, 1)

	_, err := codec.ParseFrame(buf[:len(buf)-1], nil)
	if !errors.Is(err, inter.ErrLengthMismatch) {
		t.Errorf("truncated: want ErrLengthMismatch, got %v", err)
	}

	extended := append(append([]byte{}, buf...), 0x00)
	_, err = codec.ParseFrame(extended, nil)
	if !errors.Is(err, inter.ErrLengthMismatch) {
		t.Errorf("extended: want ErrLengthMismatch, got %v", err)
	}
}

// 测试：不足最小帧长
func TestParseFrame_TooShort(t *testing.T) {
	codec := NewGosterCodec()
	_, err := codec.ParseFrame(make([]byte, 47), nil)
	if !errors.Is(err, inter.ErrFrameTooShort) {
		t.Errorf("want ErrFrameTooShort, got %v", err)
	}
}

// 测试：解包时的 Magic 校验
func TestUnpack_InvalidMagic(t *testing.T) {
	codec := NewGosterCodec()
	buf := make([]byte, inter.HeaderSize+inter.FooterSize)
	// 默认全是0，Magic 0x0000 != 0x5759

	_, err := codec.Unpack(bytes.NewReader(buf), nil)
	if !errors.Is(err, inter.ErrBadMagic) {
		t.Errorf("want ErrBadMagic, got %v", err)
	}
}

// 测试：加密数据篡改导致解密失败 (GCM Tag Check)
func TestUnpack_Encrypted_Tampering(t *testing.T) {
	codec := NewGosterCodec()
	payload := []byte("secret data")
	buf, _ := codec.Pack(payload, inter.CmdAuthVerify, 1, testSessionKey, 1)

	// 修改密文 (Payload部分)
	buf[inter.HeaderSize] ^= 0xFF

	_, err := codec.Unpack(bytes.NewReader(buf), testSessionKey)
	if !errors.Is(err, inter.ErrCryptoFail) {
		t.Errorf("want ErrCryptoFail, got %v", err)
	}
}

// 测试：恶意长度字段被拒绝
func TestUnpack_TooLarge(t *testing.T) {
	codec := NewGosterCodec()

	fakeHeader := make([]byte, inter.HeaderSize)
	binary.LittleEndian.PutUint16(fakeHeader[0:], inter.MagicNumber)
	binary.LittleEndian.PutUint32(fakeHeader[12:], maxPayloadSize+1)

	// 计算正确的 CRC 使得能过 Header 校验
	crc := crc16Modbus(fakeHeader[:28])
	binary.LittleEndian.PutUint16(fakeHeader[28:], crc)

	_, err := codec.Unpack(bytes.NewReader(fakeHeader), nil)
	if !errors.Is(err, inter.ErrPayloadTooLarge) {
		t.Errorf("want ErrPayloadTooLarge, got %v", err)
	}
}

// 测试：单调 Nonce 布局 (前 4 字节零，后 8 字节小端序列号)
func TestPack_NonceLayout(t *testing.T) {
	codec := NewGosterCodec()
	var seq uint64 = 0x0102030405060708
	buf, _ := codec.Pack(nil, inter.CmdHeartbeat, 0, nil, seq)

	for i := 16; i < 20; i++ {
		if buf[i] != 0 {
			t.Errorf("nonce salt byte %d should be zero, got 0x%02X", i-16, buf[i])
		}
	}
	if got := binary.LittleEndian.Uint64(buf[20:28]); got != seq {
		t.Errorf("nonce seq mismatch: got 0x%X, want 0x%X", got, seq)
	}
}

// =============================================================================
// 性能测试 (Benchmarks)
// =============================================================================

func BenchmarkPack_Plain_1KB(b *testing.B) {
	codec := NewGosterCodec()
	payload := generatePayload(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Pack(payload, inter.CmdMetricsReport, 0, nil, uint64(i))
	}
}

func BenchmarkPack_Encrypted_1KB(b *testing.B) {
	codec := NewGosterCodec()
	payload := generatePayload(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Pack(payload, inter.CmdMetricsReport, 1, testSessionKey, uint64(i))
	}
}

func BenchmarkParseFrame_Plain_1KB(b *testing.B) {
	codec := NewGosterCodec()
	payload := generatePayload(1024)
	buf, _ := codec.Pack(payload, inter.CmdMetricsReport, 0, nil, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.ParseFrame(buf, nil)
	}
}

func BenchmarkParseFrame_Encrypted_1KB(b *testing.B) {
	codec := NewGosterCodec()
	payload := generatePayload(1024)
	buf, _ := codec.Pack(payload, inter.CmdMetricsReport, 1, testSessionKey, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.ParseFrame(buf, testSessionKey)
	}
}
