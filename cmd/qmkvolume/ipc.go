package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// `qmkvolume ctl` talks to the daemon over this socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "get_state"} or {"type": "resync"}
//   - Server responds: {"status": "ok", "state": {...}} or {"status": "error", "error": "msg"}
// ============================================================================

const (
	ipcRequestGetState = "get_state"
	ipcRequestResync   = "resync"

	ipcRequestTimeout = 2 * time.Second
)

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Type string `json:"type"`
}

// IPCState is the daemon state reported to clients.
type IPCState struct {
	Volume      float32 `json:"volume"`
	Muted       bool    `json:"muted"`
	Valid       bool    `json:"valid"`
	Level       int     `json:"level"`
	DefaultSink string  `json:"default_sink,omitempty"`
	Nodes       int     `json:"nodes"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Error  string    `json:"error,omitempty"` // error message if status == "error"
	State  *IPCState `json:"state,omitempty"`
}

// Controller is what the IPC server drives. Implementations run the request on
// the event loop.
type Controller interface {
	State(ctx context.Context) (IPCState, error)
	Resync(ctx context.Context) error
}

// runIPCServer serves the control socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, ctl Controller, logger *slog.Logger) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleIPCConnection(ctx, conn, ctl, logger)
	}
}

// removeStaleSocket unlinks a socket left behind by a previous run. Anything
// that is not a socket is left alone.
func removeStaleSocket(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func handleIPCConnection(ctx context.Context, conn net.Conn, ctl Controller, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := dispatchIPCRequest(ctx, []byte(line), ctl)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
}

func dispatchIPCRequest(ctx context.Context, line []byte, ctl Controller) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError(fmt.Errorf("parse request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, ipcRequestTimeout)
	defer cancel()

	switch req.Type {
	case ipcRequestGetState:
		st, err := ctl.State(ctx)
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", State: &st}

	case ipcRequestResync:
		if err := ctl.Resync(ctx); err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok"}

	default:
		return ipcError(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

// ============================================================================
// IPC Client
// ============================================================================

// SendIPCRequest sends one request to the daemon and returns its response.
func SendIPCRequest(socketPath string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, ipcRequestTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * ipcRequestTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}
