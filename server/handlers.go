package server

import (
	"encoding/base64"
	"sort"
	"strconv"
	"strings"
	"time"

	"clichat/crypto"
	"clichat/models"
	"clichat/protocol"

	jww "github.com/spf13/jwalterweatherman"
)

// route dispatches one inbound line. A leading "/" marks a command;
// anything else is a public chat message. Commands from one connection are
// processed strictly in arrival order.
func (s *Server) route(sess *Session, line string) {
	if !protocol.IsCommand(line) {
		s.handlePublicMessage(sess, line)
		return
	}

	name, args := protocol.ParseCommand(line)
	switch name {
	case "users":
		s.handleUsers(sess)
	case "whisper", "w":
		s.handleWhisper(sess, args)
	case "file":
		s.handleFile(sess, args)
	case "faccept":
		s.handleFileAccept(sess, args)
	case "freject":
		s.handleFileReject(sess, args)
	case "clear":
		s.handleClear(sess)
	case "keygen":
		s.handleKeygen(sess)
	case "sendkey":
		s.handleSendKey(sess, args)
	case "encrypt":
		s.handleEncrypt(sess, args)
	case "quit", "exit":
		s.handleQuit(sess)
	case "help":
		s.handleHelp(sess)
	default:
		s.errorTo(sess, "Unknown command /"+name+". Use /help for available commands.")
	}
}

func (s *Server) handlePublicMessage(sess *Session, text string) {
	now := time.Now().UTC()
	s.recordMessage(models.Message{
		Sender:    sess.Username,
		Content:   text,
		Type:      "chat",
		Timestamp: now,
	})
	s.broadcast(&protocol.Frame{
		Type:      protocol.TypeChat,
		Username:  displayName(sess.User),
		Content:   text,
		Timestamp: protocol.Timestamp(now),
	})
}

func (s *Server) handleUsers(sess *Session) {
	users := s.presenceSet()
	sort.Strings(users)
	s.respond(sess, "Online users: "+strings.Join(users, ", "))
}

// handleWhisper delivers a private message. While the sender's link toward
// the target is EncryptionActive the body is replaced by a hybrid envelope;
// the plaintext never reaches any other session.
func (s *Server) handleWhisper(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 2)
	if len(parts) < 2 {
		s.respond(sess, "Usage: /whisper <username> <message>")
		return
	}
	target, text := parts[0], parts[1]

	targetSess, ok := s.getSession(target)
	if !ok {
		s.respond(sess, "User "+target+" is not online.")
		return
	}

	frame := &protocol.Frame{
		Type:      protocol.TypeWhisper,
		Username:  sess.Username,
		Content:   text,
		Timestamp: protocol.Timestamp(time.Now().UTC()),
	}

	if s.keys.Link(sess.Username, target) == EncryptionActive {
		payload, err := s.sealWhisper(text, target)
		if err != nil {
			jww.WARN.Printf("Whisper encryption %s -> %s failed: %+v", sess.Username, target, err)
			s.errorTo(sess, "Encryption failed: "+err.Error())
			return
		}
		frame.Content = payload
		frame.Encrypted = true

		if !s.canDecrypt(targetSess, payload) {
			// Stale or missing key on the receiving side. Surface it
			// instead of silently dropping the whisper.
			s.sendFrame(targetSess, &protocol.Frame{
				Type:      protocol.TypeNotification,
				Username:  sess.Username,
				Content:   "Sent you an undecryptable message (stale or missing key).",
				Timestamp: frame.Timestamp,
			})
			s.respond(sess, "Whisper sent to "+target+" but their key could not decrypt it.")
			return
		}
	}

	s.sendFrame(targetSess, frame)
	s.respond(sess, "Whisper sent to "+target)
}

// sealWhisper wraps text in a hybrid envelope under target's registered
// public key.
func (s *Server) sealWhisper(text, target string) (string, error) {
	rec, ok := s.keys.Record(target)
	if !ok {
		return "", ErrNoKeyRecord
	}
	pub, err := crypto.ParsePublicKeyPEM(rec.PublicKeyPEM)
	if err != nil {
		return "", err
	}
	env, err := crypto.Seal([]byte(text), pub)
	if err != nil {
		return "", err
	}
	return env.Marshal()
}

// canDecrypt verifies the recipient session can open the envelope. A
// failure here is a CryptoError for the recipient, never a connection
// error.
func (s *Server) canDecrypt(sess *Session, payload string) bool {
	kp := sess.keyPair()
	if kp == nil {
		return false
	}
	env, err := crypto.ParseEnvelope(payload)
	if err != nil {
		return false
	}
	_, err = crypto.Open(env, kp.Private)
	return err == nil
}

func (s *Server) handleKeygen(sess *Session) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		jww.ERROR.Printf("Keygen failed for %s: %+v", sess.Username, err)
		s.errorTo(sess, "Key generation failed")
		return
	}
	pem, err := kp.PublicKeyPEM()
	if err != nil {
		jww.ERROR.Printf("Keygen failed for %s: %+v", sess.Username, err)
		s.errorTo(sess, "Key generation failed")
		return
	}

	sess.setKeys(kp)
	s.keys.PutRecord(sess.Username, pem)
	s.respond(sess, "New encryption keys generated.")
}

func (s *Server) handleSendKey(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 1)
	if len(parts) < 1 {
		s.respond(sess, "Usage: /sendkey <username>")
		return
	}
	target := parts[0]

	rec, ok := s.keys.Record(sess.Username)
	if !ok {
		s.errorTo(sess, "No encryption keys available. Use /keygen first.")
		return
	}

	targetSess, online := s.getSession(target)
	if !online {
		s.respond(sess, "User "+target+" is not online.")
		return
	}

	s.sendFrame(targetSess, &protocol.Frame{
		Type:        protocol.TypeWhisper,
		Username:    sess.Username,
		Content:     string(rec.PublicKeyPEM),
		KeyExchange: true,
		Timestamp:   protocol.Timestamp(time.Now().UTC()),
	})

	// Receipt of the key is what establishes the receiver's link.
	if err := s.keys.EstablishLink(target, sess.Username); err != nil {
		jww.WARN.Printf("Key exchange %s -> %s: %+v", sess.Username, target, err)
	}
	s.respond(sess, "Public key sent to "+target+".")
}

func (s *Server) handleEncrypt(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 1)
	if len(parts) < 1 {
		s.respond(sess, "Usage: /encrypt <username>")
		return
	}
	target := parts[0]

	if err := s.keys.Activate(sess.Username, target); err != nil {
		s.errorTo(sess, "No key available for "+target+". Ask them to /sendkey you first.")
		return
	}
	s.respond(sess, "Encrypted whispers enabled toward "+target+".")
}

// handleFile processes an outbound file offer:
// /file <user> <declared-size> <hex-hash> <filename>;<base64-payload>
func (s *Server) handleFile(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 4)
	if len(parts) < 4 {
		s.respond(sess, "Usage: /file <username> <size> <sha256> <filename>;<base64-data>")
		return
	}
	target, sizeStr, hash, encoded := parts[0], parts[1], parts[2], parts[3]

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		s.errorTo(sess, "Invalid declared size")
		return
	}
	// Fail fast: the declared size is checked before the payload is
	// decoded, so no oversize transfer ever reaches the pending state.
	if size > MaxFileSize {
		s.errorTo(sess, ErrFileTooLarge.Error())
		return
	}

	filename, b64, found := strings.Cut(encoded, ";")
	if !found || filename == "" {
		s.errorTo(sess, "Invalid file payload, expected <filename>;<base64-data>")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.errorTo(sess, "Invalid base64 payload")
		return
	}

	targetSess, online := s.getSession(target)
	if !online {
		s.respond(sess, "User "+target+" is not online.")
		return
	}

	record, err := s.transfers.Offer(sess.Username, target, filename, size, hash, payload)
	if err != nil {
		if record.Status == models.TransferFailed {
			if dbErr := s.store.RecordFileTransfer(record); dbErr != nil {
				jww.WARN.Printf("Failed to persist transfer %s: %+v", record.ID, dbErr)
			}
		}
		s.errorTo(sess, "File transfer failed: "+err.Error())
		return
	}

	if err := s.store.RecordFileTransfer(record); err != nil {
		jww.WARN.Printf("Failed to persist transfer %s: %+v", record.ID, err)
	}

	s.sendFrame(targetSess, &protocol.Frame{
		Type:       protocol.TypeFileOffer,
		Username:   sess.Username,
		TransferID: record.ID,
		Filename:   record.Filename,
		Size:       record.Size,
		Hash:       record.Hash,
		Content:    "Reply /faccept " + record.ID + " or /freject " + record.ID,
		Timestamp:  protocol.Timestamp(record.Timestamp),
	})
	s.respond(sess, "File '"+filename+"' ("+sizeStr+" bytes) offered to "+target+" as transfer "+record.ID)
}

func (s *Server) handleFileAccept(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 1)
	if len(parts) < 1 {
		s.respond(sess, "Usage: /faccept <transfer-id>")
		return
	}

	record, payload, err := s.transfers.Accept(parts[0], sess.Username)
	if err != nil {
		if record.Status == models.TransferFailed {
			// Integrity check failed after acceptance: terminal, both
			// parties informed, nothing delivered.
			s.finishTransfer(record, "Transfer failed: "+err.Error())
			return
		}
		s.errorTo(sess, err.Error())
		return
	}

	s.recordTransferStatus(record.ID, models.TransferAccepted)

	delivered := s.sendFrame(sess, &protocol.Frame{
		Type:       protocol.TypeFile,
		Username:   record.Sender,
		TransferID: record.ID,
		Filename:   record.Filename,
		Size:       record.Size,
		Hash:       record.Hash,
		Data:       base64.StdEncoding.EncodeToString(payload),
		Timestamp:  protocol.Timestamp(time.Now().UTC()),
	})
	if !delivered {
		record.Status = models.TransferFailed
		s.finishTransfer(record, "Transfer failed: delivery error")
		return
	}

	record.Status = models.TransferCompleted
	s.finishTransfer(record, "Transfer completed: "+record.Filename)
}

func (s *Server) handleFileReject(sess *Session, args string) {
	parts := protocol.SplitArgs(args, 1)
	if len(parts) < 1 {
		s.respond(sess, "Usage: /freject <transfer-id>")
		return
	}

	record, err := s.transfers.Reject(parts[0], sess.Username)
	if err != nil {
		s.errorTo(sess, err.Error())
		return
	}

	s.finishTransfer(record, "Transfer rejected: "+record.Filename)
}

// finishTransfer persists a terminal state and notifies both parties.
func (s *Server) finishTransfer(record models.FileTransfer, notice string) {
	s.recordTransferStatus(record.ID, record.Status)

	result := &protocol.Frame{
		Type:       protocol.TypeFileResult,
		TransferID: record.ID,
		Filename:   record.Filename,
		Content:    notice,
		Timestamp:  protocol.Timestamp(time.Now().UTC()),
	}
	s.sendToUser(record.Sender, result)
	s.sendToUser(record.Receiver, result)
}

// handleClear purges stored public history. Admin only.
func (s *Server) handleClear(sess *Session) {
	if !sess.User.IsAdmin() {
		s.errorTo(sess, "Permission denied. Only admins can clear chat history.")
		return
	}

	if err := s.store.PurgeHistory(); err != nil {
		jww.ERROR.Printf("History purge by %s failed: %+v", sess.Username, err)
		s.errorTo(sess, "Failed to clear history")
		return
	}

	now := time.Now().UTC()
	s.recordMessage(models.Message{
		Sender:    sess.Username,
		Content:   "cleared the chat history.",
		Type:      "clear",
		Timestamp: now,
	})
	s.broadcast(&protocol.Frame{
		Type:      protocol.TypeNotification,
		Username:  displayName(sess.User),
		Content:   "cleared the chat history.",
		Timestamp: protocol.Timestamp(now),
	})
}

func (s *Server) handleQuit(sess *Session) {
	s.respond(sess, "Disconnecting...")
	sess.close()
}

func (s *Server) handleHelp(sess *Session) {
	s.respond(sess, strings.Join([]string{
		"Available commands:",
		"/users - show online users",
		"/whisper <username> <message> (alias /w) - private message",
		"/file <username> <size> <sha256> <filename>;<base64-data> - offer a file",
		"/faccept <id>, /freject <id> - answer a file offer",
		"/keygen - generate encryption keys",
		"/sendkey <username> - send your public key",
		"/encrypt <username> - enable encrypted whispers",
		"/clear - clear chat history (admins only)",
		"/quit or /exit - disconnect",
	}, "\n"))
}

// respond sends a command response to the issuing session only.
func (s *Server) respond(sess *Session, content string) {
	s.sendFrame(sess, &protocol.Frame{
		Type:    protocol.TypeCommandResponse,
		Content: content,
	})
}

// errorTo reports an error to the issuing session only, never broadcast.
func (s *Server) errorTo(sess *Session, content string) {
	s.sendFrame(sess, &protocol.Frame{
		Type:    protocol.TypeError,
		Content: content,
	})
}
