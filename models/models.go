package models

import "time"

// Roles a user can hold. Admins may purge public history and are shown
// with a "*" marker in notifications.
const (
	RoleStandard = "standard"
	RoleAdmin    = "admin"
)

type User struct {
	ID        int64
	Username  string
	Password  string // bcrypt hash
	Role      string
	CreatedAt time.Time
	LastLogin time.Time
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Message is one chat utterance. Recipient is empty for public messages;
// whispers are delivered point-to-point and never persisted.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	Type      string // "chat", "join", "leave", "notification", "clear"
	Encrypted bool
	Timestamp time.Time
}

// KeyRecord holds the registered public half of a user's keypair.
// At most one record per user; /keygen replaces it.
type KeyRecord struct {
	Owner        string
	PublicKeyPEM []byte
	RegisteredAt time.Time
}

// File transfer statuses. Terminal states are completed, rejected and failed.
const (
	TransferPending   = "pending"
	TransferAccepted  = "accepted"
	TransferRejected  = "rejected"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// FileTransfer is one tracked attempt to move a file between two users.
// Payload is transient and released on any terminal state.
type FileTransfer struct {
	ID        string
	Sender    string
	Receiver  string
	Filename  string
	Size      int64
	Hash      string // sha256 hex of the decoded payload
	Status    string
	Timestamp time.Time
}
