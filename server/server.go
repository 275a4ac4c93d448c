package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"clichat/auth"
	"clichat/crypto"
	"clichat/models"
	"clichat/protocol"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
)

const (
	// maxFrameSize bounds a single inbound frame. Base64 of a 10 MiB
	// payload plus the command prefix fits comfortably.
	maxFrameSize = 16 << 20

	// sendQueueSize bounds the per-session outbound queue. A stalled peer
	// overflows its own queue; it never stalls a broadcast for others.
	sendQueueSize = 256

	maxAuthAttempts = 3

	offerTTL = 2 * time.Minute
)

// Authenticator verifies credentials and owns user records. Implemented by
// the db package; faked in tests.
type Authenticator interface {
	Authenticate(username, password string) (*models.User, error)
	CreateUser(username, password string, admin bool) error
	GetUser(username string) (*models.User, error)
	UpdateLastLogin(username string, t time.Time) error
}

// Persistence records public history and transfer state. Failures are
// logged and never fatal to a live session.
type Persistence interface {
	RecordMessage(msg models.Message) error
	RecordFileTransfer(ft models.FileTransfer) error
	UpdateFileTransferStatus(id, status string) error
	RecentMessages(limit int) ([]models.Message, error)
	PurgeHistory() error
}

type ServerConfig struct {
	Port         int
	WSPort       int
	TokenSecret  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    int // frames per second per connection
	HistoryLimit int
}

// Session is one authenticated live connection. Transient per-connection
// state (send queue, session keypair) lives here; shared facts live in the
// server registry and key store.
type Session struct {
	ID       string
	Username string
	User     *models.User
	conn     FrameConn

	send    chan []byte
	limiter ratelimit.Limiter

	// keys is the keypair generated by /keygen in this session. The
	// private half never leaves this struct.
	keys *crypto.KeyPair

	mu     sync.Mutex
	closed bool
}

// deliver enqueues a frame for the session's writer. It never blocks: a
// full queue drops the frame for this recipient only.
func (sess *Session) deliver(data []byte) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false
	}
	select {
	case sess.send <- data:
		return true
	default:
		jww.WARN.Printf("Send queue full for %s, dropping frame", sess.Username)
		return false
	}
}

// close seals the send queue. Queued frames are still drained by the write
// pump before the connection closes. Idempotent.
func (sess *Session) close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.send)
}

func (sess *Session) isClosed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closed
}

// setKeys installs the session keypair generated by /keygen. Read from
// other connection workers during whisper delivery.
func (sess *Session) setKeys(kp *crypto.KeyPair) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.keys = kp
}

func (sess *Session) keyPair() *crypto.KeyPair {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.keys
}

// writePump drains the send queue onto the transport. It owns all writes
// for the session, so slow peers only back up their own queue.
func (sess *Session) writePump() {
	for data := range sess.send {
		if err := sess.conn.WriteFrame(data); err != nil {
			jww.DEBUG.Printf("Write to %s failed: %v", sess.Username, err)
			break
		}
	}
	sess.conn.Close()
}

type Server struct {
	authn     Authenticator
	store     Persistence
	config    *ServerConfig
	tokens    *auth.TokenIssuer
	keys      *KeyStore
	transfers *TransferManager

	mu       sync.RWMutex
	sessions map[string]*Session

	stop chan struct{}
}

func New(authn Authenticator, store Persistence, config *ServerConfig) *Server {
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 100
	}

	s := &Server{
		authn:    authn,
		store:    store,
		config:   config,
		tokens:   auth.NewTokenIssuer(config.TokenSecret),
		keys:     NewKeyStore(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	s.transfers = NewTransferManager(offerTTL, s.notifyTransferExpired)
	s.transfers.StartReaper(s.stop)
	return s
}

// Start runs the TCP line-transport listener. It only returns on listener
// failure; per-connection errors never reach here.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	defer listener.Close()

	jww.INFO.Printf("Chat server listening on port %d", s.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			jww.ERROR.Printf("Accept error: %v", err)
			continue
		}

		go s.handleConnection(newLineConn(conn, s.config.WriteTimeout))
	}
}

// StartWS runs the WebSocket listener on /ws.
func (s *Server) StartWS() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)

	jww.INFO.Printf("WebSocket transport listening on port %d", s.config.WSPort)
	return http.ListenAndServe(":"+strconv.Itoa(s.config.WSPort), mux)
}

// handleConnection owns one connection from first byte to termination. The
// first frame must authenticate; afterwards frames are routed in arrival
// order.
func (s *Server) handleConnection(conn FrameConn) {
	remoteAddr := conn.RemoteAddr()
	jww.INFO.Printf("New client connected from %s", remoteAddr)

	sess := s.authenticate(conn)
	if sess == nil {
		conn.Close()
		return
	}

	go sess.writePump()
	s.register(sess)

	for {
		line, err := conn.ReadFrame(time.Now().Add(s.config.ReadTimeout))
		if err != nil {
			reason := "disconnect"
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				reason = "timeout"
				s.sendFrame(sess, &protocol.Frame{Type: protocol.TypeBye, Content: reason})
			}
			s.terminate(sess, reason)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sess.limiter.Take()
		s.route(sess, line)

		if sess.isClosed() {
			s.terminate(sess, "quit")
			return
		}
	}
}

// authenticate drives the login phase: up to maxAuthAttempts JSON auth
// frames, each answered with an auth_response. An unparseable frame is a
// protocol error and closes the connection.
func (s *Server) authenticate(conn FrameConn) *Session {
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		raw, err := conn.ReadFrame(time.Now().Add(s.config.ReadTimeout))
		if err != nil {
			return nil
		}

		req, err := protocol.ParseAuthRequest([]byte(raw))
		if err != nil {
			s.writeDirect(conn, &protocol.Frame{
				Type:    protocol.TypeError,
				Content: "Malformed authentication frame",
			})
			jww.WARN.Printf("Protocol error from %s: %v", conn.RemoteAddr(), err)
			return nil
		}

		user, failure := s.resolveAuth(req)
		if failure != "" {
			s.writeDirect(conn, &protocol.Frame{
				Type:    protocol.TypeAuthResponse,
				Content: failure,
			})
			continue
		}

		token, err := s.tokens.Issue(user.Username, user.IsAdmin())
		if err != nil {
			jww.ERROR.Printf("Token issue failed for %s: %+v", user.Username, err)
		}
		s.writeDirect(conn, &protocol.Frame{
			Type:     protocol.TypeAuthResponse,
			Success:  true,
			Username: user.Username,
			Token:    token,
			IsAdmin:  user.IsAdmin(),
		})

		if err := s.authn.UpdateLastLogin(user.Username, time.Now().UTC()); err != nil {
			jww.WARN.Printf("Failed to update last_login for %s: %+v", user.Username, err)
		}

		return &Session{
			ID:       uuid.NewString(),
			Username: user.Username,
			User:     user,
			conn:     conn,
			send:     make(chan []byte, sendQueueSize),
			limiter:  ratelimit.New(s.config.RateLimit),
		}
	}
	return nil
}

// resolveAuth maps one auth request to a user or a failure message.
func (s *Server) resolveAuth(req *protocol.AuthRequest) (*models.User, string) {
	switch req.Type {
	case protocol.AuthLogin:
		user, err := s.authn.Authenticate(req.Username, req.Password)
		if err != nil {
			jww.INFO.Printf("Failed login for %q", req.Username)
			return nil, "Invalid username or password"
		}
		return user, ""

	case protocol.AuthRegister:
		if req.Username == "" || req.Password == "" {
			return nil, "Username and password required"
		}
		if err := s.authn.CreateUser(req.Username, req.Password, false); err != nil {
			jww.INFO.Printf("Failed registration for %q: %v", req.Username, err)
			return nil, "Registration failed: " + err.Error()
		}
		user, err := s.authn.GetUser(req.Username)
		if err != nil {
			return nil, "Internal error"
		}
		return user, ""

	case protocol.AuthToken:
		username, err := s.tokens.Verify(req.Token)
		if err != nil {
			return nil, "Invalid or expired token"
		}
		user, err := s.authn.GetUser(username)
		if err != nil {
			return nil, "User not found"
		}
		return user, ""
	}
	return nil, "Invalid authentication method"
}

// register adds the session to the registry, evicting any prior session for
// the same user (last writer wins), replays recent history and broadcasts
// the join notification.
func (s *Server) register(sess *Session) {
	s.mu.Lock()
	old := s.sessions[sess.Username]
	s.sessions[sess.Username] = sess
	s.mu.Unlock()

	if old != nil {
		jww.INFO.Printf("Evicting previous session for %s (duplicate login)", sess.Username)
		s.sendFrame(old, &protocol.Frame{
			Type:    protocol.TypeBye,
			Content: "Logged in from another location",
		})
		old.close()
	}

	s.replayHistory(sess)

	now := time.Now().UTC()
	s.recordMessage(models.Message{
		Sender:    sess.Username,
		Content:   "joined the chat.",
		Type:      "join",
		Timestamp: now,
	})
	s.broadcast(&protocol.Frame{
		Type:      protocol.TypeNotification,
		Username:  displayName(sess.User),
		Content:   "joined the chat.",
		Timestamp: protocol.Timestamp(now),
	})
}

// terminate removes the session and announces the leave. Idempotent; a
// session evicted by a duplicate login does not announce a leave because
// the user is still present.
func (s *Server) terminate(sess *Session, reason string) {
	s.mu.Lock()
	current, ok := s.sessions[sess.Username]
	live := ok && current == sess
	if live {
		delete(s.sessions, sess.Username)
	}
	s.mu.Unlock()

	sess.close()

	if !live {
		return
	}

	jww.INFO.Printf("Client %s disconnected (%s) from %s", sess.Username, reason, sess.conn.RemoteAddr())

	for _, record := range s.transfers.FailOwned(sess.Username) {
		s.recordTransferStatus(record.ID, models.TransferFailed)
		peer := record.Sender
		if peer == sess.Username {
			peer = record.Receiver
		}
		s.sendToUser(peer, &protocol.Frame{
			Type:       protocol.TypeFileResult,
			TransferID: record.ID,
			Filename:   record.Filename,
			Content:    "Transfer failed: peer disconnected",
		})
	}

	now := time.Now().UTC()
	s.recordMessage(models.Message{
		Sender:    sess.Username,
		Content:   "left the chat.",
		Type:      "leave",
		Timestamp: now,
	})
	s.broadcast(&protocol.Frame{
		Type:      protocol.TypeNotification,
		Username:  displayName(sess.User),
		Content:   "left the chat.",
		Timestamp: protocol.Timestamp(now),
	})
}

// broadcast fans a frame out to every live session through its send queue.
func (s *Server) broadcast(f *protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		jww.ERROR.Printf("Broadcast encode failed: %+v", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.deliver(data)
	}
}

// sendToUser delivers a frame to one user's live session, if any.
func (s *Server) sendToUser(username string, f *protocol.Frame) bool {
	s.mu.RLock()
	sess, ok := s.sessions[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.sendFrame(sess, f)
}

func (s *Server) sendFrame(sess *Session, f *protocol.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		jww.ERROR.Printf("Frame encode failed: %+v", err)
		return false
	}
	return sess.deliver(data)
}

// writeDirect writes on the transport before the write pump exists (the
// authentication phase only).
func (s *Server) writeDirect(conn FrameConn, f *protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		jww.ERROR.Printf("Frame encode failed: %+v", err)
		return
	}
	if err := conn.WriteFrame(data); err != nil {
		jww.DEBUG.Printf("Write to %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) getSession(username string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[username]
	return sess, ok
}

// presenceSet returns a snapshot of online usernames.
func (s *Server) presenceSet() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.sessions))
	for username := range s.sessions {
		users = append(users, username)
	}
	return users
}

// replayHistory sends the most recent public messages to a fresh session.
func (s *Server) replayHistory(sess *Session) {
	messages, err := s.store.RecentMessages(s.config.HistoryLimit)
	if err != nil {
		jww.WARN.Printf("History replay failed for %s: %+v", sess.Username, err)
		return
	}

	for _, msg := range messages {
		frameType := protocol.TypeChat
		if msg.Type == "notification" {
			frameType = protocol.TypeNotification
		}
		s.sendFrame(sess, &protocol.Frame{
			Type:      frameType,
			Username:  msg.Sender,
			Content:   msg.Content,
			Encrypted: msg.Encrypted,
			Timestamp: protocol.Timestamp(msg.Timestamp),
		})
	}
}

// recordMessage hands a message to the persistence collaborator. Failures
// are logged, never fatal.
func (s *Server) recordMessage(msg models.Message) {
	if err := s.store.RecordMessage(msg); err != nil {
		jww.WARN.Printf("Failed to persist message from %s: %+v", msg.Sender, err)
	}
}

func (s *Server) recordTransferStatus(id, status string) {
	if err := s.store.UpdateFileTransferStatus(id, status); err != nil {
		jww.WARN.Printf("Failed to persist transfer %s status %s: %+v", id, status, err)
	}
}

// notifyTransferExpired reports a timed-out offer to both parties.
func (s *Server) notifyTransferExpired(record models.FileTransfer) {
	s.recordTransferStatus(record.ID, models.TransferFailed)
	result := &protocol.Frame{
		Type:       protocol.TypeFileResult,
		TransferID: record.ID,
		Filename:   record.Filename,
		Content:    "Transfer failed: offer timed out",
	}
	s.sendToUser(record.Sender, result)
	s.sendToUser(record.Receiver, result)
}

// GetStats returns server statistics for the control socket.
func (s *Server) GetStats() string {
	users := s.presenceSet()
	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}

// Shutdown notifies every session and closes it. Used by the control
// socket and signal handling.
func (s *Server) Shutdown(reason string) {
	close(s.stop)

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.sendFrame(sess, &protocol.Frame{Type: protocol.TypeBye, Content: reason})
		sess.close()
	}
}

// displayName marks admins with the reserved "*" prefix.
func displayName(user *models.User) string {
	if user.IsAdmin() {
		return "*" + user.Username
	}
	return user.Username
}
