package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

var sample = []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nhello hello hello hello\r\n")

func TestBlobHeader(t *testing.T) {
	raw := Blob{Flags: FlagCompressed | FlagEncrypted, Payload: []byte("x")}.Bytes()
	require.Len(t, raw, HeaderSize+1)
	assert.Equal(t, []byte{Magic1, Magic2, 0, 3}, raw[:HeaderSize])

	_, err := ParseBlob([]byte{0x00, Magic2, 0, 1})
	assert.ErrorIs(t, err, consts.ErrBlobCorrupt)
	_, err = ParseBlob([]byte{Magic1})
	assert.ErrorIs(t, err, consts.ErrBlobCorrupt)
}

func TestBlobPathIsDeterministic(t *testing.T) {
	assert.Equal(t, filepath.Join("/blobs", "042", "5042"), BlobPath("/blobs", 5042))
	assert.Equal(t, BlobPath("/blobs", 7), BlobPath("/blobs", 7))
	id, ok := ParseBlobName("5042")
	assert.True(t, ok)
	assert.Equal(t, int64(5042), id)
	_, ok = ParseBlobName(".tmp-5042-123")
	assert.False(t, ok)
}

func TestCodecCompresses(t *testing.T) {
	c, err := NewCodec()
	require.NoError(t, err)

	blob, err := c.Encode(sample, nil)
	require.NoError(t, err)
	assert.True(t, blob.Flags.Compressed())
	assert.False(t, blob.Flags.Encrypted())

	out, err := c.Decode(blob, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, sample, out)
}

func TestCodecEncryptsForRecipient(t *testing.T) {
	c, err := NewCodec()
	require.NoError(t, err)
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	blob, err := c.Encode(sample, pub[:])
	require.NoError(t, err)
	assert.True(t, blob.Flags.Encrypted())
	assert.False(t, bytes.Contains(blob.Payload, []byte("Subject")))

	out, err := c.Decode(blob, pub[:], priv[:])
	require.NoError(t, err)
	assert.Equal(t, sample, out)

	otherPub, otherPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = c.Decode(blob, otherPub[:], otherPriv[:])
	assert.ErrorIs(t, err, consts.ErrDecryptFailed)

	_, err = c.Encode(sample, []byte("short"))
	assert.Error(t, err)
}

func TestFSStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	blob := Blob{Flags: FlagCompressed, Payload: []byte("payload")}
	require.NoError(t, store.Write(ctx, 1001, blob))

	got, err := store.Read(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	require.NoError(t, store.Link(ctx, 1001, 2001))
	linked, err := store.Read(ctx, 2001)
	require.NoError(t, err)
	assert.Equal(t, blob.Payload, linked.Payload)

	require.NoError(t, store.Remove(ctx, 1001))
	require.NoError(t, store.Remove(ctx, 1001), "remove must be idempotent")
	_, err = store.Read(ctx, 1001)
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)

	// The linked copy survives removal of the source.
	_, err = store.Read(ctx, 2001)
	assert.NoError(t, err)

	err = store.Link(ctx, 999, 3001)
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}

func TestFSStoreWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, 7, Blob{Payload: []byte("a")}))

	var entries []Entry
	require.NoError(t, store.Walk(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.False(t, entries[0].Temp)
}

func TestFSStoreWriteFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)

	// Occupy the final path with a directory so the rename fails.
	require.NoError(t, os.MkdirAll(BlobPath(root, 9), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(BlobPath(root, 9), "keep"), []byte("x"), 0640))

	err = store.Write(ctx, 9, Blob{Payload: []byte("a")})
	require.ErrorIs(t, err, consts.ErrBlobWriteFailed)

	var temps int
	require.NoError(t, store.Walk(ctx, func(e Entry) error {
		if e.Temp {
			temps++
		}
		return nil
	}))
	assert.Zero(t, temps)
}

func TestFSStoreHonoursCancellation(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = store.Write(ctx, 1, Blob{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWalkReportsTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)
	dir := filepath.Join(root, "001")
	require.NoError(t, os.MkdirAll(dir, 0750))
	tmp := filepath.Join(dir, ".tmp-1-abc")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0640))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(tmp, old, old))

	var seen []Entry
	require.NoError(t, store.Walk(context.Background(), func(e Entry) error {
		seen = append(seen, e)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Temp)
	assert.WithinDuration(t, old, seen[0].ModTime, time.Second)
}
