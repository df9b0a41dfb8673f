package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// EncryptPayload applies IPMI 2.0's AES-CBC-128 confidentiality layer
// (Section 13.29): pad to a block boundary with an incrementing pad and a
// trailing pad-length byte, prepend a random IV.
func EncryptPayload(src, k2 []byte) ([]byte, error) {
	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, err
	}

	srcLen := len(src)
	padLen := 0
	if mod := (srcLen + 1) % aes.BlockSize; mod != 0 {
		padLen = aes.BlockSize - mod
	}
	input := make([]byte, srcLen+padLen+1)
	copy(input, src)
	for i := 0; i < padLen; i++ {
		input[srcLen+i] = byte(i + 1)
	}
	input[srcLen+padLen] = byte(padLen)

	dst := make([]byte, aes.BlockSize+len(input))
	iv := dst[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst[aes.BlockSize:], input)
	return dst, nil
}

// DecryptPayload reverses EncryptPayload and strips the IPMI pad.
func DecryptPayload(src, k2 []byte) ([]byte, error) {
	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, err
	}
	if l := len(src); l < aes.BlockSize || l%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted payload has invalid length %d", l)
	}

	dst := make([]byte, len(src)-aes.BlockSize)
	iv, data := src[:aes.BlockSize], src[aes.BlockSize:]
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, data)

	if len(dst) == 0 {
		return nil, fmt.Errorf("decrypted payload is empty")
	}
	padLen := int(dst[len(dst)-1])
	if padLen > len(dst)-1 {
		return nil, fmt.Errorf("decrypted payload pad length %d exceeds payload size %d", padLen, len(dst))
	}
	return dst[:len(dst)-padLen-1], nil
}

// MakeIntegrityTrailer builds the session trailer (Table 13-8): integrity
// pad bytes (0xff) out to a 4-byte boundary, a pad-length byte, the 0x07
// "next header" byte, and the first 12 bytes of an HMAC-SHA1 over
// everything before the auth code (header || payload || pad || padlen ||
// next-header), keyed on K1.
func MakeIntegrityTrailer(headerAndPayload, k1 []byte) []byte {
	srcLen := len(headerAndPayload)
	padLen := 0
	if mod := (srcLen + 1 + 1 + IntegrityCheckSize) % 4; mod != 0 {
		padLen = 4 - mod
	}

	data := make([]byte, srcLen+padLen+2+IntegrityCheckSize)
	copy(data, headerAndPayload)
	for i := 0; i < padLen; i++ {
		data[srcLen+i] = 0xff
	}
	data[srcLen+padLen] = byte(padLen)
	data[srcLen+padLen+1] = 0x07

	mac := hmac.New(sha1.New, k1)
	mac.Write(data[:srcLen+padLen+2])
	authCode := mac.Sum(nil)
	copy(data[srcLen+padLen+2:], authCode[:IntegrityCheckSize])

	return data[srcLen:]
}

// ValidateIntegrityTrailer checks the trailing 12-byte HMAC-SHA1-96 over
// everything preceding it in src (header || payload || pad || padlen ||
// next-header), keyed on K1.
func ValidateIntegrityTrailer(src, k1 []byte) error {
	if l := len(src); l < IntegrityCheckSize {
		return fmt.Errorf("message does not contain a %d-byte auth code: have %d", IntegrityCheckSize, l)
	}
	authCode := src[len(src)-IntegrityCheckSize:]
	mac := hmac.New(sha1.New, k1)
	mac.Write(src[:len(src)-IntegrityCheckSize])
	if generated := mac.Sum(nil); !hmac.Equal(authCode, generated[:IntegrityCheckSize]) {
		return fmt.Errorf("invalid integrity auth code: got %x want %x", authCode, generated[:IntegrityCheckSize])
	}
	return nil
}

// GenerateSIK derives the Session Integrity Key (Section 13.28.2): HMAC-
// SHA1 over Rm||Rc||ROLEm||ULENGTHm||UNAMEm, keyed on Kg. Kg is the
// optional BMC key; when it is nil or empty the password is the key.
func GenerateSIK(password, kg, data []byte) []byte {
	key := password
	if len(kg) > 0 {
		key = kg
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

var sikConst1 = bytes.Repeat([]byte{1}, SIKSize)
var sikConst2 = bytes.Repeat([]byte{2}, SIKSize)

// GenerateK1 derives K1 (the integrity key) from the SIK (Section 13.28.4):
// HMAC-SHA1(SIK, 0x01 repeated 20 times).
func GenerateK1(sik []byte) []byte {
	mac := hmac.New(sha1.New, sik)
	mac.Write(sikConst1)
	return mac.Sum(nil)
}

// GenerateK2 derives K2 (the confidentiality key) from the SIK (Section
// 13.28.5): HMAC-SHA1(SIK, 0x02 repeated 20 times).
func GenerateK2(sik []byte) []byte {
	mac := hmac.New(sha1.New, sik)
	mac.Write(sikConst2)
	return mac.Sum(nil)
}

// HMACAuthCode computes an HMAC-SHA1 over data keyed on the password, used
// for the RAKP2 and RAKP3 key exchange auth codes (Section 13.21/13.22).
// Unlike SIK derivation, these never use Kg.
func HMACAuthCode(password, data []byte) []byte {
	mac := hmac.New(sha1.New, password)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACWithKey computes an HMAC-SHA1 over data with an arbitrary key,
// used for RAKP4's integrity check value (keyed on SIK).
func HMACWithKey(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// IPMI15AuthCodeMD5 computes the IPMI 1.5 session authcode (Section 22.17.1):
// MD5(password || sessionID || payload || sequence || password).
func IPMI15AuthCodeMD5(password []byte, sessionID uint32, payload []byte, sequence uint32) [16]byte {
	h := md5.New()
	h.Write(password)
	var u32 [4]byte
	putUint32LE(u32[:], sessionID)
	h.Write(u32[:])
	h.Write(payload)
	putUint32LE(u32[:], sequence)
	h.Write(u32[:])
	h.Write(password)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
