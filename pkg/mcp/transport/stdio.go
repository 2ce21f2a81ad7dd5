// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap"
)

// readResult holds the result of a single line read from the reader.
type readResult struct {
	data []byte
	err  error
}

// StdioServer drives one protocol engine over newline-delimited JSON-RPC on
// a reader/writer pair, typically os.Stdin and os.Stdout. Stdio carries
// exactly one implicit session for the lifetime of the process, so no
// session keys are involved and the engine lives until the input closes.
//
// Each message is a single line of JSON terminated by a newline. A
// persistent reader goroutine runs for the server's lifetime, preventing
// goroutine leaks when Run is cancelled via context.
type StdioServer struct {
	engine Engine
	reader *bufio.Reader
	writer io.Writer
	logger *zap.Logger

	writeMu sync.Mutex // serializes responses and pushed notifications

	readCh chan readResult
	once   sync.Once
}

// StdioServerConfig configures a stdio server.
type StdioServerConfig struct {
	// Engine handles every inbound message. Required.
	Engine Engine

	Reader io.Reader // defaults to os.Stdin
	Writer io.Writer // defaults to os.Stdout
	Logger *zap.Logger
}

// NewStdioServer creates a stdio server around the given engine.
func NewStdioServer(config StdioServerConfig) (*StdioServer, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.Reader == nil {
		config.Reader = os.Stdin
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &StdioServer{
		engine: config.Engine,
		reader: bufio.NewReaderSize(config.Reader, 1024*1024), // 1MB buffer
		writer: config.Writer,
		logger: config.Logger,
		readCh: make(chan readResult, 1),
	}, nil
}

// Run serves messages until the input reaches EOF or ctx is cancelled.
// Notifications pushed by the engine are interleaved with responses on the
// writer. The engine is closed before Run returns.
func (s *StdioServer) Run(ctx context.Context) error {
	pumpDone := make(chan struct{})
	go s.pumpNotifications(ctx, pumpDone)
	defer func() { <-pumpDone }()
	defer s.closeEngine()

	s.startReader()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-s.readCh:
			if !ok {
				return nil
			}
			if result.err != nil {
				if result.err == io.EOF {
					return nil
				}
				return fmt.Errorf("read message: %w", result.err)
			}
			s.handleLine(ctx, trimLine(result.data))
		}
	}
}

// startReader launches a persistent goroutine that reads lines from the
// underlying reader and sends them to readCh. The goroutine exits when
// it encounters an error (including io.EOF) or when the reader is closed.
func (s *StdioServer) startReader() {
	s.once.Do(func() {
		go func() {
			defer close(s.readCh)
			for {
				line, err := s.reader.ReadBytes('\n')
				s.readCh <- readResult{data: line, err: err}
				if err != nil {
					return
				}
			}
		}()
	})
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}

	resp, err := s.engine.HandleMessage(ctx, line)
	if err != nil {
		s.logger.Error("engine error", zap.Error(err))
		body, merr := protocol.MarshalResponse(protocol.PeekRequestID(line), nil,
			protocol.NewError(protocol.InternalError, "internal server error", nil))
		if merr != nil {
			return
		}
		resp = body
	}
	if resp == nil {
		// Notification - nothing to write back.
		return
	}

	if err := s.writeLine(resp); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

// pumpNotifications forwards engine push messages to the writer until the
// engine closes its channel or ctx is cancelled.
func (s *StdioServer) pumpNotifications(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	notifications := s.engine.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-notifications:
			if !open {
				return
			}
			if err := s.writeLine(msg); err != nil {
				s.logger.Error("failed to write notification", zap.Error(err))
			}
		}
	}
}

// writeLine writes a JSON-RPC message followed by a newline.
func (s *StdioServer) writeLine(message []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(message); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := s.writer.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (s *StdioServer) closeEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
	defer cancel()
	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("engine close failed", zap.Error(err))
	}
}

// trimLine strips the trailing newline and carriage return from a raw line.
func trimLine(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line
}
