package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidFrame = errors.New("invalid frame format")

// Server-to-client frame types.
const (
	TypeAuthResponse    = "auth_response"
	TypeChat            = "chat"
	TypeWhisper         = "whisper"
	TypeNotification    = "notification"
	TypeCommandResponse = "command_response"
	TypeError           = "error"
	TypeFileOffer       = "file_offer"
	TypeFile            = "file"
	TypeFileResult      = "file_result"
	TypeBye             = "bye"
)

// Client-to-server auth frame types. The first frame on any connection must
// be one of these; everything after authentication is raw text.
const (
	AuthLogin    = "login"
	AuthRegister = "register"
	AuthToken    = "token"
)

// Frame is one server-to-client message, serialized as a single JSON text
// frame. Fields beyond Type are populated per frame type.
type Frame struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Whisper delivery.
	Encrypted   bool `json:"encrypted,omitempty"`
	KeyExchange bool `json:"key_exchange,omitempty"`

	// File transfer.
	TransferID string `json:"transfer_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Data       string `json:"data,omitempty"`

	// Authentication.
	Success bool   `json:"success,omitempty"`
	Token   string `json:"token,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// AuthRequest is the JSON frame a client sends before anything else.
type AuthRequest struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Encode serializes a frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return data, nil
}

// DecodeFrame parses a server-to-client frame. Used by tests and clients.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	if f.Type == "" {
		return nil, ErrInvalidFrame
	}
	return &f, nil
}

// ParseAuthRequest parses the initial authentication frame.
func ParseAuthRequest(data []byte) (*AuthRequest, error) {
	var req AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	switch req.Type {
	case AuthLogin, AuthRegister, AuthToken:
		return &req, nil
	}
	return nil, ErrInvalidFrame
}

// Timestamp formats t the way every outbound frame carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// IsCommand reports whether an inbound line is a command rather than a
// public chat message.
func IsCommand(line string) bool {
	return strings.HasPrefix(line, "/")
}

// ParseCommand splits "/name rest of line" into a lowercased command name
// and its untouched argument string.
func ParseCommand(line string) (name, args string) {
	line = strings.TrimSpace(strings.TrimPrefix(line, "/"))
	name, args, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// SplitArgs splits an argument string into at most n space-separated fields,
// with the final field keeping the remainder verbatim.
func SplitArgs(args string, n int) []string {
	fields := strings.SplitN(args, " ", n)
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
