package testutil

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// ReceivedMail is one message accepted by the test SMTP server.
type ReceivedMail struct {
	From string
	To   []string
	Data []byte
}

// memoryBackend is an in-memory SMTP backend. It does not offer AUTH.
type memoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMail
}

func (b *memoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

type memorySession struct {
	backend *memoryBackend
	from    string
	to      []string
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, &ReceivedMail{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is an SMTP server on a random local port that keeps every message in memory.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	backend *memoryBackend
}

// NewTestSMTPServer starts the server. It is shut down when the test finishes.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	be := &memoryBackend{}
	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second

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

	return &TestSMTPServer{Server: s, Address: listener.Addr().String(), backend: be}
}

// Messages returns all messages received so far.
func (s *TestSMTPServer) Messages() []*ReceivedMail {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	out := make([]*ReceivedMail, len(s.backend.messages))
	copy(out, s.backend.messages)
	return out
}

// WaitForMessages polls until at least n messages arrived or the timeout elapses.
func (s *TestSMTPServer) WaitForMessages(t *testing.T, n int, timeout time.Duration) []*ReceivedMail {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		msgs := s.Messages()
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
}
