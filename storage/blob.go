// Package storage persists message blobs.
//
// Every blob starts with a fixed four byte header: two magic bytes, a
// reserved byte and a flags byte telling readers whether the payload that
// follows is zstd compressed or sealed to the recipient's public key.
// A blob's location is a pure function of the message id, so the metadata
// row is all that is needed to find it.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/migadu/smtpd/consts"
)

const (
	Magic1     byte = 0x4D
	Magic2     byte = 0x47
	HeaderSize      = 4

	// shardCount spreads blobs over directories so none grows unbounded.
	shardCount = 1000
)

// Flags describe how a payload was encoded.
type Flags byte

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted
)

func (f Flags) Compressed() bool { return f&FlagCompressed != 0 }
func (f Flags) Encrypted() bool  { return f&FlagEncrypted != 0 }

// Blob is an encoded message as stored.
type Blob struct {
	Flags   Flags
	Payload []byte
}

// Bytes renders header and payload.
func (b Blob) Bytes() []byte {
	out := make([]byte, HeaderSize+len(b.Payload))
	out[0] = Magic1
	out[1] = Magic2
	out[2] = 0
	out[3] = byte(b.Flags)
	copy(out[HeaderSize:], b.Payload)
	return out
}

// ParseBlob validates the header and splits off the payload.
func ParseBlob(data []byte) (Blob, error) {
	if len(data) < HeaderSize || data[0] != Magic1 || data[1] != Magic2 {
		return Blob{}, consts.ErrBlobCorrupt
	}
	return Blob{Flags: Flags(data[3]), Payload: data[HeaderSize:]}, nil
}

// BlobKey returns the path of a blob relative to the store root.
func BlobKey(id int64) string {
	return fmt.Sprintf("%03d/%d", id%shardCount, id)
}

// BlobPath joins BlobKey onto a filesystem root.
func BlobPath(root string, id int64) string {
	return filepath.Join(root, filepath.FromSlash(BlobKey(id)))
}

// ParseBlobName returns the message id encoded in a blob file name.
func ParseBlobName(name string) (int64, bool) {
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// BlobStore is the file half of the hybrid store.
type BlobStore interface {
	// Write stores a blob under id. A failed Write leaves nothing behind.
	Write(ctx context.Context, id int64, blob Blob) error
	Read(ctx context.Context, id int64) (Blob, error)
	// Remove is idempotent: removing a missing blob is not an error.
	Remove(ctx context.Context, id int64) error
	// Link makes dstID refer to the same content as srcID without
	// re-encoding it.
	Link(ctx context.Context, srcID, dstID int64) error
}
