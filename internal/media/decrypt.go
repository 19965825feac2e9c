// Package media downloads, decrypts and persists message attachments. The
// gateway delivers encrypted payloads with per-message keys; decryption
// follows the provider scheme of HKDF-derived AES-256-CBC with a trailing MAC.
package media

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	derivedKeyLen = 112
	macLen        = 10
)

// hkdfInfo returns the key-derivation label for a media kind. Stickers share
// the image label.
func hkdfInfo(kind string) string {
	switch kind {
	case "image", "sticker":
		return "WhatsApp Image Keys"
	case "video":
		return "WhatsApp Video Keys"
	case "audio":
		return "WhatsApp Audio Keys"
	case "document":
		return "WhatsApp Document Keys"
	default:
		return "WhatsApp Image Keys"
	}
}

// Decrypt decrypts an encrypted media payload using its base64 media key.
// The ciphertext carries a 10-byte MAC suffix which is stripped, not checked;
// integrity is verified separately against the plaintext hash.
func Decrypt(payload []byte, mediaKeyB64, kind string) ([]byte, error) {
	mediaKey, err := base64.StdEncoding.DecodeString(mediaKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media key: %w", err)
	}

	derived := make([]byte, derivedKeyLen)
	r := hkdf.New(sha256.New, mediaKey, nil, []byte(hkdfInfo(kind)))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("failed to derive media keys: %w", err)
	}
	iv := derived[0:16]
	cipherKey := derived[16:48]

	if len(payload) <= macLen {
		return nil, fmt.Errorf("encrypted payload too short: %d bytes", len(payload))
	}
	ciphertext := payload[:len(payload)-macLen]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(ciphertext))
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext)
	if err != nil {
		// A malformed pad usually means the key label was wrong for the
		// payload. The bytes are still worth keeping for inspection.
		log.Warn().Err(err).Str("kind", kind).Msg("Media padding invalid, keeping raw plaintext")
		return plaintext, nil
	}
	return unpadded, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding bytes")
		}
	}
	return data[:len(data)-pad], nil
}

// VerifyPlaintextHash compares the SHA-256 of plaintext against the expected
// base64 hash, falling back to an alternate hash when given. A mismatch is
// reported but never discards the media.
func VerifyPlaintextHash(plaintext []byte, expectedB64, alternateB64 string) bool {
	sum := sha256.Sum256(plaintext)
	for _, candidate := range []string{expectedB64, alternateB64} {
		if candidate == "" {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(sum[:], want) == 1 {
			return true
		}
	}
	return false
}

// containerSignatures maps known magic prefixes to a label, for a sanity
// check on decrypted output.
var containerSignatures = []struct {
	label  string
	prefix []byte
	offset int
}{
	{"png", []byte{0x89, 0x50, 0x4E, 0x47}, 0},
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}, 0},
	{"gif", []byte("GIF8"), 0},
	{"webp", []byte("WEBP"), 8},
	{"ogg", []byte("OggS"), 0},
	{"mp3", []byte("ID3"), 0},
	{"mp4", []byte("ftyp"), 4},
	{"pdf", []byte("%PDF"), 0},
}

// SniffContainer returns the container label matching the payload's magic
// bytes, or "" when none match.
func SniffContainer(data []byte) string {
	for _, sig := range containerSignatures {
		end := sig.offset + len(sig.prefix)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.prefix) {
			return sig.label
		}
	}
	// MP3 frames without an ID3 tag start with a sync word.
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return "mp3"
	}
	return ""
}

// ContainerMatchesKind reports whether a sniffed container label is a known
// unencrypted form of the declared media kind.
func ContainerMatchesKind(kind, label string) bool {
	if label == "" {
		return false
	}
	switch kind {
	case "image", "sticker":
		return label == "png" || label == "jpeg" || label == "gif" || label == "webp"
	case "audio":
		return label == "ogg" || label == "mp3"
	case "video":
		return label == "mp4"
	case "document":
		return label == "pdf"
	default:
		return false
	}
}
