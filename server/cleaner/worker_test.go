package cleaner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/pkg/distlock"
	"github.com/migadu/smtpd/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) ExistingMessages(ctx context.Context, ids []int64) (map[int64]bool, error) {
	args := m.Called(ctx, append([]int64(nil), ids...))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]bool), args.Error(1)
}

type fakeLock struct {
	unlocked *bool
}

func (l fakeLock) Unlock(ctx context.Context) error {
	*l.unlocked = true
	return nil
}

type fakeLocker struct {
	err      error
	unlocked bool
}

func (f *fakeLocker) LockMailbox(ctx context.Context, accountID int64) (distlock.Lock, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeLock{unlocked: &f.unlocked}, nil
}

// --- Helpers ---

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func writeBlob(t *testing.T, store *storage.FSStore, id int64, age time.Duration) string {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), id, storage.Blob{Payload: []byte("message")}))
	path := storage.BlobPath(store.Root(), id)
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func writeTemp(t *testing.T, store *storage.FSStore, id int64, age time.Duration) string {
	t.Helper()
	dir := filepath.Dir(storage.BlobPath(store.Root(), id))
	require.NoError(t, os.MkdirAll(dir, 0750))
	path := filepath.Join(dir, fmt.Sprintf(".tmp-%d-abc", id))
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0640))
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func newWorker(index MessageIndex, store *storage.FSStore, locker distlock.Locker) *CleanupWorker {
	w := New(index, store, locker, time.Hour, 24*time.Hour)
	w.now = func() time.Time { return now }
	return w
}

// --- Tests ---

func TestCleanupWorker_RunOnce_RemovesOrphans(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	live := writeBlob(t, store, 1, 48*time.Hour)
	fresh := writeBlob(t, store, 2, time.Hour)
	orphan := writeBlob(t, store, 3, 48*time.Hour)
	staleTemp := writeTemp(t, store, 4, 48*time.Hour)
	freshTemp := writeTemp(t, store, 5, time.Minute)

	index := new(mockIndex)
	ctx := context.Background()
	index.On("ExistingMessages", ctx, []int64{1, 3}).Return(map[int64]bool{1: true}, nil).Once()

	locker := &fakeLocker{}
	stats, err := newWorker(index, store, locker).runOnce(ctx)
	require.NoError(t, err)
	index.AssertExpectations(t)

	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 1, stats.Blobs)
	assert.Equal(t, 1, stats.Temps)
	assert.Zero(t, stats.Failed)
	assert.True(t, locker.unlocked)

	assert.FileExists(t, live)
	assert.FileExists(t, fresh)
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, staleTemp)
	assert.FileExists(t, freshTemp)
}

func TestCleanupWorker_RunOnce_SparesLinkedCopyInFlight(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	source := writeBlob(t, store, 4, 48*time.Hour)

	// A copy whose metadata row is not committed yet.
	require.NoError(t, store.Link(context.Background(), 4, 5))
	linked := storage.BlobPath(store.Root(), 5)

	index := new(mockIndex)
	w := newWorker(index, store, &fakeLocker{})
	w.now = time.Now
	stats, err := w.runOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Scanned)
	assert.Zero(t, stats.Blobs)
	index.AssertNotCalled(t, "ExistingMessages", mock.Anything, mock.Anything)
	assert.FileExists(t, source)
	assert.FileExists(t, linked)
}

func TestCleanupWorker_RunOnce_LockHeldElsewhere(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	orphan := writeBlob(t, store, 3, 48*time.Hour)

	index := new(mockIndex)
	locker := &fakeLocker{err: fmt.Errorf("%w: account 0", consts.ErrMailboxLocked)}

	stats, err := newWorker(index, store, locker).runOnce(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, stats.Scanned)
	index.AssertNotCalled(t, "ExistingMessages", mock.Anything, mock.Anything)
	assert.FileExists(t, orphan)
}

func TestCleanupWorker_RunOnce_Failures(t *testing.T) {
	tests := []struct {
		name      string
		lockErr   error
		lookupErr error
	}{
		{"lock backend down", errors.New("redis down"), nil},
		{"lookup fails", nil, errors.New("database down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := storage.NewFSStore(t.TempDir())
			require.NoError(t, err)
			orphan := writeBlob(t, store, 3, 48*time.Hour)

			index := new(mockIndex)
			if tt.lookupErr != nil {
				index.On("ExistingMessages", mock.Anything, []int64{3}).Return(nil, tt.lookupErr).Once()
			}

			_, err = newWorker(index, store, &fakeLocker{err: tt.lockErr}).runOnce(context.Background())
			assert.Error(t, err)
			index.AssertExpectations(t)
			assert.FileExists(t, orphan, "nothing is removed when the sweep cannot tell what is live")
		})
	}
}

func TestCleanupWorker_StartStop(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	w := newWorker(new(mockIndex), store, &fakeLocker{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Stop()
}
