package server

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"clichat/models"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// MaxFileSize is the payload ceiling. Oversize offers are rejected before
// the payload is decoded.
const MaxFileSize = 10 << 20 // 10 MiB

var (
	ErrTransferNotFound = &TransferError{Reason: "transfer not found"}
	ErrNotPending       = &TransferError{Reason: "transfer is not pending"}
	ErrNotReceiver      = &TransferError{Reason: "transfer is addressed to another user"}
	ErrFileTooLarge     = &TransferError{Reason: "file too large, maximum size is 10 MiB"}
	ErrSizeMismatch     = &TransferError{Reason: "payload size does not match declaration"}
	ErrHashMismatch     = &TransferError{Reason: "payload hash does not match declaration"}
)

// TransferError is reported to both parties with its reason; it is never
// fatal to a connection.
type TransferError struct {
	Reason string
}

func (e *TransferError) Error() string {
	return e.Reason
}

// transfer couples the durable record with the transient payload buffer.
// The buffer is released the moment the transfer reaches a terminal state.
type transfer struct {
	record    models.FileTransfer
	payload   []byte
	expiresAt time.Time
}

// TransferManager tracks in-flight file transfers between the offer and the
// receiver's accept/reject answer.
type TransferManager struct {
	mu       sync.Mutex
	pending  map[string]*transfer
	offerTTL time.Duration

	// onExpire runs outside the manager lock for every offer that timed out.
	onExpire func(models.FileTransfer)
}

func NewTransferManager(offerTTL time.Duration, onExpire func(models.FileTransfer)) *TransferManager {
	return &TransferManager{
		pending:  make(map[string]*transfer),
		offerTTL: offerTTL,
		onExpire: onExpire,
	}
}

// HashPayload computes the content hash used for integrity verification.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Offer validates the declared size and hash against the decoded payload
// and registers a pending transfer. An integrity mismatch yields a terminal
// failed record together with the TransferError; nothing is registered and
// the payload is discarded.
func (tm *TransferManager) Offer(sender, receiver, filename string, declaredSize int64, declaredHash string, payload []byte) (models.FileTransfer, error) {
	record := models.FileTransfer{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Filename:  filename,
		Size:      declaredSize,
		Hash:      declaredHash,
		Status:    models.TransferPending,
		Timestamp: time.Now().UTC(),
	}

	if int64(len(payload)) != declaredSize {
		record.Status = models.TransferFailed
		return record, ErrSizeMismatch
	}
	if HashPayload(payload) != declaredHash {
		record.Status = models.TransferFailed
		return record, ErrHashMismatch
	}

	tm.mu.Lock()
	tm.pending[record.ID] = &transfer{
		record:    record,
		payload:   payload,
		expiresAt: time.Now().Add(tm.offerTTL),
	}
	tm.mu.Unlock()

	jww.INFO.Printf("File offer %s: %s -> %s, %s (%d bytes)",
		record.ID, sender, receiver, filename, declaredSize)
	return record, nil
}

// Accept resolves a pending transfer for its receiver. The payload hash is
// re-verified before release; a mismatch moves the transfer to failed and
// returns the error instead.
func (tm *TransferManager) Accept(id, receiver string) (models.FileTransfer, []byte, error) {
	tm.mu.Lock()
	t, err := tm.take(id, receiver)
	tm.mu.Unlock()
	if err != nil {
		return models.FileTransfer{}, nil, err
	}

	if HashPayload(t.payload) != t.record.Hash {
		t.record.Status = models.TransferFailed
		return t.record, nil, ErrHashMismatch
	}

	t.record.Status = models.TransferAccepted
	return t.record, t.payload, nil
}

// Reject resolves a pending transfer for its receiver and discards the
// payload.
func (tm *TransferManager) Reject(id, receiver string) (models.FileTransfer, error) {
	tm.mu.Lock()
	t, err := tm.take(id, receiver)
	tm.mu.Unlock()
	if err != nil {
		return models.FileTransfer{}, err
	}

	t.record.Status = models.TransferRejected
	return t.record, nil
}

// take removes a pending transfer after checking id and receiver. Caller
// holds the lock.
func (tm *TransferManager) take(id, receiver string) (*transfer, error) {
	t, ok := tm.pending[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if t.record.Receiver != receiver {
		return nil, ErrNotReceiver
	}
	delete(tm.pending, id)
	return t, nil
}

// FailOwned cancels every pending transfer a disconnecting user is party to
// and returns the failed records so the peers can be notified.
func (tm *TransferManager) FailOwned(username string) []models.FileTransfer {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var failed []models.FileTransfer
	for id, t := range tm.pending {
		if t.record.Sender == username || t.record.Receiver == username {
			delete(tm.pending, id)
			t.record.Status = models.TransferFailed
			failed = append(failed, t.record)
		}
	}
	return failed
}

// StartReaper periodically times out expired offers until stop is closed.
func (tm *TransferManager) StartReaper(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tm.reapExpired()
			case <-stop:
				return
			}
		}
	}()
}

func (tm *TransferManager) reapExpired() {
	now := time.Now()

	tm.mu.Lock()
	var expired []models.FileTransfer
	for id, t := range tm.pending {
		if now.After(t.expiresAt) {
			delete(tm.pending, id)
			t.record.Status = models.TransferFailed
			expired = append(expired, t.record)
		}
	}
	tm.mu.Unlock()

	for _, record := range expired {
		jww.INFO.Printf("File offer %s expired", record.ID)
		if tm.onExpire != nil {
			tm.onExpire(record)
		}
	}
}
