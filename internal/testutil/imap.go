package testutil

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
// The memory backend has one user ("username"/"password") whose INBOX holds a single message with UID 6.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts an IMAP server with an in-memory backend on a random port.
// It is shut down when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return c, func() { _ = c.Logout() }
}

// CreateBox creates a box for the default user.
func (s *TestIMAPServer) CreateBox(t *testing.T, name string) {
	t.Helper()

	c, cleanup := s.Connect(t)
	defer cleanup()

	if err := c.Create(name); err != nil {
		t.Fatalf("Failed to create box %s: %v", name, err)
	}
}

// AppendRaw appends raw RFC 822 bytes to a box and returns the UID the message received.
func (s *TestIMAPServer) AppendRaw(t *testing.T, box string, raw []byte) uint32 {
	t.Helper()

	c, cleanup := s.Connect(t)
	defer cleanup()

	status, err := c.Status(box, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Failed to get status of %s: %v", box, err)
	}

	if err := c.Append(box, nil, time.Now(), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	return status.UidNext
}

// AddMessage appends a simple text message and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, box, messageID, subject, body string) uint32 {
	t.Helper()
	return s.AppendRaw(t, box, []byte(BuildMessage(messageID, subject, body)))
}

// BuildMessage renders a minimal RFC 822 text message.
func BuildMessage(messageID, subject, body string) string {
	return fmt.Sprintf("Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"From: Customer <customer@example.com>\r\n"+
		"To: sales@example.com\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n", messageID, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC1123Z), subject, body)
}
