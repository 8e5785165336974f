// Package mailstore commits messages into the metadata database and the
// blob store as one unit.
//
// Every mutation follows the same order with the mailbox lock held:
// insert rows, write or link the blob, commit. A failure after the blob
// exists removes it again, so a committed row always has a blob and no
// blob outlives a failed commit.
package mailstore

import (
	"context"
	"fmt"

	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/helpers"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/distlock"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server/quota"
	"github.com/migadu/smtpd/storage"
)

type Metadata interface {
	BeginMailboxTx(ctx context.Context) (db.MailboxTx, error)
}

type Rollouts interface {
	Rollout(ctx context.Context, tx quota.Tx, accountID, incoming int64) (*quota.Eviction, error)
	Complete(ctx context.Context, ev *quota.Eviction)
}

type Store struct {
	meta        Metadata
	blobs       storage.BlobStore
	locker      distlock.Locker
	codec       *storage.Codec
	quota       Rollouts
	checkpoints quota.CheckpointBumper
}

func New(meta Metadata, blobs storage.BlobStore, locker distlock.Locker, codec *storage.Codec, q Rollouts, checkpoints quota.CheckpointBumper) *Store {
	return &Store{
		meta:        meta,
		blobs:       blobs,
		locker:      locker,
		codec:       codec,
		quota:       q,
		checkpoints: checkpoints,
	}
}

// AcceptRequest is one message for one mailbox.
type AcceptRequest struct {
	AccountID int64
	FolderID  int64
	Raw       []byte
	PublicKey []byte
	Mark      string
	Seen      bool
	MessageID string

	SpamToken     string
	SpamSignature string

	// Rollout evicts old messages to make room. Otherwise EnforceQuota
	// refuses the message if it does not fit.
	Rollout      bool
	EnforceQuota bool
}

type Result struct {
	ID      int64
	Evicted int
}

// Accept stores one message.
func (s *Store) Accept(ctx context.Context, req AcceptRequest) (res Result, err error) {
	defer func() { observe("accept", err) }()

	size := int64(len(req.Raw))
	blob, err := s.codec.Encode(req.Raw, req.PublicKey)
	if err != nil {
		return Result{}, err
	}

	g, err := s.acquire(ctx, req.AccountID)
	if err != nil {
		return Result{}, err
	}
	defer g.Close()

	var ev *quota.Eviction
	switch {
	case req.Rollout:
		if ev, err = s.quota.Rollout(ctx, g.tx, req.AccountID, size); err != nil {
			return Result{}, err
		}
	case req.EnforceQuota:
		usage, err := g.tx.Usage(ctx, req.AccountID)
		if err != nil {
			return Result{}, err
		}
		if usage.Quota > 0 && usage.Used+size > usage.Quota {
			return Result{}, consts.ErrQuotaExceeded
		}
	}

	id, err := g.tx.InsertMessage(ctx, db.NewMessage{
		AccountID:   req.AccountID,
		FolderID:    req.FolderID,
		Size:        size,
		Seen:        req.Seen,
		Mark:        req.Mark,
		Encrypted:   blob.Flags.Encrypted(),
		ContentHash: helpers.HashContent(req.Raw),
		MessageID:   req.MessageID,
		SpamToken:   req.SpamToken,
	})
	if err != nil {
		return Result{}, err
	}
	if req.SpamToken != "" {
		err = g.tx.InsertSpamSignature(ctx, db.SpamSignature{
			Token:     req.SpamToken,
			AccountID: req.AccountID,
			MessageID: id,
			Signature: req.SpamSignature,
		})
		if err != nil {
			return Result{}, err
		}
	}

	defer s.compensate(ctx, g, id, "write")
	if err = s.blobs.Write(ctx, id, blob); err != nil {
		return Result{}, err
	}
	if err = g.commit(ctx); err != nil {
		return Result{}, err
	}

	if ev.Empty() {
		s.bump(ctx, req.AccountID)
	} else {
		s.quota.Complete(ctx, ev)
	}
	res = Result{ID: id}
	if ev != nil {
		res.Evicted = len(ev.IDs)
	}
	return res, nil
}

// Copy duplicates a message into another folder. The new row shares the
// original blob through a link.
func (s *Store) Copy(ctx context.Context, accountID, messageID, folderID int64) (newID int64, err error) {
	defer func() { observe("copy", err) }()

	g, err := s.acquire(ctx, accountID)
	if err != nil {
		return 0, err
	}
	defer g.Close()

	ref, err := g.tx.CopyMessage(ctx, accountID, messageID, folderID)
	if err != nil {
		return 0, err
	}
	defer s.compensate(ctx, g, ref.ID, "link")
	if err = s.blobs.Link(ctx, messageID, ref.ID); err != nil {
		return 0, err
	}
	if err = g.commit(ctx); err != nil {
		return 0, err
	}
	s.bump(ctx, accountID)
	return ref.ID, nil
}

// Move changes a message's folder. The blob is untouched.
func (s *Store) Move(ctx context.Context, accountID, messageID, folderID int64) (err error) {
	defer func() { observe("move", err) }()

	g, err := s.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer g.Close()

	if err = g.tx.MoveMessage(ctx, accountID, messageID, folderID); err != nil {
		return err
	}
	if err = g.commit(ctx); err != nil {
		return err
	}
	s.bump(ctx, accountID)
	return nil
}

// Load reads a stored message back. The key pair is only needed when the
// account stores encrypted mail.
func (s *Store) Load(ctx context.Context, messageID int64, publicKey, privateKey []byte) ([]byte, error) {
	blob, err := s.blobs.Read(ctx, messageID)
	if err != nil {
		return nil, err
	}
	raw, err := s.codec.Decode(blob, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", messageID, err)
	}
	return raw, nil
}

// compensate removes the blob for id unless the guard committed. It is
// deferred before the blob is touched, so it also covers partial writes.
func (s *Store) compensate(ctx context.Context, g *guard, id int64, stage string) {
	if g.committed {
		return
	}
	metrics.StoreCompensations.WithLabelValues(stage).Inc()
	if err := s.blobs.Remove(context.WithoutCancel(ctx), id); err != nil {
		logger.Error("Store: compensating blob removal failed", "account_id", g.accountID, "message_id", id, "error", err)
	}
}

func (s *Store) bump(ctx context.Context, accountID int64) {
	if s.checkpoints == nil {
		return
	}
	if _, err := s.checkpoints.Increment(ctx, cache.ObjectMessages, accountID); err != nil {
		logger.Warn("Store: failed to bump checkpoint", "account_id", accountID, "error", err)
	}
}

func observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, status).Inc()
}
