package storage

import (
	"crypto/rand"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/migadu/smtpd/consts"
	"golang.org/x/crypto/nacl/box"
)

// Codec turns raw message bytes into blob payloads and back. It is safe for
// concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Encode seals raw to publicKey when one is given, and compresses it
// otherwise.
func (c *Codec) Encode(raw []byte, publicKey []byte) (Blob, error) {
	if len(publicKey) == 0 {
		return Blob{Flags: FlagCompressed, Payload: c.encoder.EncodeAll(raw, nil)}, nil
	}

	recipient, err := toKey(publicKey)
	if err != nil {
		return Blob{}, err
	}
	sealed, err := box.SealAnonymous(nil, raw, recipient, rand.Reader)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to seal message: %w", err)
	}
	return Blob{Flags: FlagEncrypted, Payload: sealed}, nil
}

// Decode reverses Encode. The key pair is only needed for encrypted blobs.
func (c *Codec) Decode(b Blob, publicKey, privateKey []byte) ([]byte, error) {
	payload := b.Payload
	if b.Flags.Encrypted() {
		pub, err := toKey(publicKey)
		if err != nil {
			return nil, err
		}
		priv, err := toKey(privateKey)
		if err != nil {
			return nil, err
		}
		opened, ok := box.OpenAnonymous(nil, payload, pub, priv)
		if !ok {
			return nil, consts.ErrDecryptFailed
		}
		payload = opened
	}
	if b.Flags.Compressed() {
		out, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrBlobCorrupt, err)
		}
		payload = out
	}
	return payload, nil
}

func toKey(k []byte) (*[32]byte, error) {
	if len(k) != 32 {
		return nil, fmt.Errorf("invalid key length %d", len(k))
	}
	var key [32]byte
	copy(key[:], k)
	return &key, nil
}
