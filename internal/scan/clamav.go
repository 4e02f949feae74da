package scan

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const streamChunkSize = 2048

// Scanner checks uploaded bytes for malware before they are stored.
type Scanner interface {
	// ScanBytes returns true when the content is safe. An error means the
	// scan itself failed, not that malware was found.
	ScanBytes(ctx context.Context, filename string, data []byte) (bool, error)
}

// ClamAV streams content to a clamd daemon over its INSTREAM protocol.
// When the daemon is unreachable at construction, scanning is disabled and
// everything passes; an unavailable scanner must not block uploads.
type ClamAV struct {
	addr    string
	timeout time.Duration
	enabled bool
	logger  *slog.Logger
}

func NewClamAV(addr string, timeout time.Duration, logger *slog.Logger) *ClamAV {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ClamAV{addr: addr, timeout: timeout, logger: logger}
	if addr == "" {
		return s
	}
	if err := s.ping(); err != nil {
		logger.Warn("clamav unreachable, scanning disabled", "addr", addr, "error", err)
		return s
	}
	s.enabled = true
	return s
}

func (s *ClamAV) ping() error {
	conn, err := net.DialTimeout("tcp", s.addr, s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return err
	}
	resp, err := readReply(conn)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, "PONG") {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (s *ClamAV) ScanBytes(ctx context.Context, filename string, data []byte) (bool, error) {
	if !s.enabled {
		return true, nil
	}
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return false, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return false, fmt.Errorf("start instream: %w", err)
	}
	var size [4]byte
	for offset := 0; offset < len(data); offset += streamChunkSize {
		end := offset + streamChunkSize
		if end > len(data) {
			end = len(data)
		}
		binary.BigEndian.PutUint32(size[:], uint32(end-offset))
		if _, err := conn.Write(size[:]); err != nil {
			return false, fmt.Errorf("write chunk size: %w", err)
		}
		if _, err := conn.Write(data[offset:end]); err != nil {
			return false, fmt.Errorf("write chunk: %w", err)
		}
	}
	// zero-length chunk terminates the stream
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return false, fmt.Errorf("end instream: %w", err)
	}

	resp, err := readReply(conn)
	if err != nil {
		return false, fmt.Errorf("read scan reply: %w", err)
	}
	switch {
	case strings.HasSuffix(resp, "FOUND"):
		s.logger.Error("malware detected", "filename", filename, "reply", resp)
		return false, nil
	case strings.HasSuffix(resp, "OK"):
		return true, nil
	default:
		return false, fmt.Errorf("unexpected clamd reply %q", resp)
	}
}

// readReply reads until the null terminator clamd appends to z-commands.
func readReply(conn net.Conn) (string, error) {
	var b strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := strings.IndexByte(string(chunk), 0); i >= 0 {
				b.Write(chunk[:i])
				return strings.TrimSpace(b.String()), nil
			}
			b.Write(chunk)
		}
		if err != nil {
			if b.Len() > 0 {
				return strings.TrimSpace(b.String()), nil
			}
			return "", err
		}
	}
}
