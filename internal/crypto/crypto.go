package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var (
	ErrKeyRequired     = errors.New("telegram is encrypted, no key supplied")
	ErrInvalidKey      = errors.New("decryption failed, please check key")
	ErrUnsupportedMode = errors.New("unsupported security mode")
)

const (
	securityModeAesCbcIV = 5
	ellEncryptionAesCTR  = 1
)

// NewBlock prepares an AES-128 cipher for key. A nil key yields a nil block,
// meaning "no key supplied".
func NewBlock(key []byte) (cipher.Block, error) {
	if len(key) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	return block, nil
}

// OpenELL verifies and, when needed, decrypts the payload guarded by a CI
// 0x8D extended link layer. On success Payload starts at the TPL CI and the
// caller continues with Telegram.ParseTransport.
func OpenELL(t *frame.Telegram, block cipher.Block) error {
	if !t.ELL.Secured || t.TransportParsed() {
		return nil
	}
	content := t.Payload
	if len(content) < 3 {
		return fmt.Errorf("ELL payload truncated (%d bytes)", len(content))
	}
	// Some senders mark the session as encrypted but transmit plaintext.
	if payloadCRCValid(content) {
		t.Payload = content[2:]
		return nil
	}
	switch mode := t.ELL.Encryption(); mode {
	case 0:
		return fmt.Errorf("ELL payload CRC mismatch")
	case ellEncryptionAesCTR:
	default:
		return fmt.Errorf("%w: ELL encryption %d", ErrUnsupportedMode, mode)
	}
	if block == nil {
		return ErrKeyRequired
	}
	plaintext := make([]byte, len(content))
	cipher.NewCTR(block, buildELLIV(t)).XORKeyStream(plaintext, content)
	if !payloadCRCValid(plaintext) {
		return ErrInvalidKey
	}
	t.Payload = plaintext[2:]
	return nil
}

// DecryptTPL mutates the payload when the TPL security mode says it is
// encrypted with AES-CBC.
func DecryptTPL(t *frame.Telegram, block cipher.Block) error {
	if !needsDecryption(t) {
		return nil
	}
	if t.TPL.SecurityMode != securityModeAesCbcIV {
		return fmt.Errorf("%w: TPL mode %d", ErrUnsupportedMode, t.TPL.SecurityMode)
	}
	if block == nil {
		return ErrKeyRequired
	}
	return decryptCBC(t, block)
}

func decryptCBC(t *frame.Telegram, block cipher.Block) error {
	required := encryptedPrefixLen(t)
	if required == 0 {
		return ErrInvalidKey
	}
	ciphertext := make([]byte, required)
	copy(ciphertext, t.Payload[:required])
	cipher.NewCBCDecrypter(block, buildShortIV(t)).CryptBlocks(ciphertext, ciphertext)
	if len(ciphertext) < 2 || ciphertext[0] != 0x2F || ciphertext[1] != 0x2F {
		return ErrInvalidKey
	}
	t.Payload = append(ciphertext[2:], t.Payload[required:]...)
	return nil
}

func buildShortIV(t *frame.Telegram) []byte {
	addr := t.Address()
	iv := make([]byte, 16)
	binary.LittleEndian.PutUint16(iv[0:2], addr.Manufacturer)
	copy(iv[2:6], addr.ID[:])
	iv[6] = addr.Version
	iv[7] = addr.DeviceType
	for i := 8; i < 16; i++ {
		iv[i] = t.TPL.AccessNumber
	}
	return iv
}

// buildELLIV lays out M A CC SN FN BC with the frame number and block
// counter starting at zero.
func buildELLIV(t *frame.Telegram) []byte {
	link := t.Addresses[0]
	iv := make([]byte, 16)
	binary.LittleEndian.PutUint16(iv[0:2], link.Manufacturer)
	copy(iv[2:6], link.ID[:])
	iv[6] = link.Version
	iv[7] = link.DeviceType
	iv[8] = t.ELL.Communication
	binary.LittleEndian.PutUint32(iv[9:13], t.ELL.SessionNumber)
	return iv
}

func payloadCRCValid(content []byte) bool {
	return binary.LittleEndian.Uint16(content[0:2]) == frame.CRC16EN13757(content[2:])
}

func needsDecryption(t *frame.Telegram) bool {
	if len(t.Payload) == 0 || !t.TPL.Present || t.TPL.SecurityMode == 0 {
		return false
	}
	// Already decrypted upstream.
	if len(t.Payload) >= 2 && t.Payload[0] == 0x2F && t.Payload[1] == 0x2F {
		return false
	}
	return true
}

func encryptedPrefixLen(t *frame.Telegram) int {
	payloadLen := len(t.Payload)
	if t.TPL.EncryptedBlocks > 0 {
		needed := t.TPL.EncryptedBlocks * aes.BlockSize
		if needed > payloadLen {
			needed = payloadLen
		}
		return needed - needed%aes.BlockSize
	}
	return payloadLen - payloadLen%aes.BlockSize
}
