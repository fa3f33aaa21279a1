package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"threatwatch/internal/config"
)

// StartFileTail follows each configured file and delivers every appended
// capture line. A truncated or rotated file is reopened from the start.
func StartFileTail(ctx context.Context, cfg config.FileTailConfig, sink *Sink, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("file tail capture source disabled")
		}
		return
	}
	for _, path := range cfg.Files {
		if logger != nil {
			logger.Info("file tail capture source enabled", "path", path, "start_at_end", cfg.StartAtEnd)
		}
		go TailFile(ctx, path, cfg.StartAtEnd, sink, logger)
	}
}

// TailFile blocks until ctx is done. Packets are attributed to the file's
// base name without extension.
func TailFile(ctx context.Context, path string, startAtEnd bool, sink *Sink, logger *slog.Logger) {
	iface := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var file *os.File
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		pending := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					pending += line
					offset += int64(len(line))
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			line, pending = pending+line, ""
			deliverLine(ctx, line, iface, sink, logger)
		}
	}
}

// ListenTCPStream accepts connections from remote sensors that pipe their
// capture output over TCP. The listener closes when ctx is done. The
// connection's remote host names the interface of its packets.
func ListenTCPStream(ctx context.Context, addr string, sink *Sink, logger *slog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream capture source listening", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleStreamConn(ctx, conn, sink, logger)
		}
	}()
	return ln.Addr(), nil
}

func handleStreamConn(ctx context.Context, conn net.Conn, sink *Sink, logger *slog.Logger) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		deliverLine(ctx, scanner.Text(), host, sink, logger)
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("tcp stream scanner error", "remote", host, "err", err)
	}
}

func deliverLine(ctx context.Context, line, iface string, sink *Sink, logger *slog.Logger) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	rec, err := DecodeMessage([]byte(line), iface, time.Now())
	if err != nil {
		if logger != nil {
			logger.Debug("unparseable capture line", "interface", iface, "err", err)
		}
		return
	}
	sink.Deliver(ctx, rec)
}
