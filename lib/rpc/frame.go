// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/nsproxy/lib/codec"
)

// maxFrameSize is the maximum size of a single frame's CBOR payload.
// 1 MB is generous: the largest protocol message is a lookup carrying
// a manifest key, and cookies are capped at 20 bytes.
const maxFrameSize = 1024 * 1024

// fileCarrierByte is the single data byte accompanying an SCM_RIGHTS
// control message. Stream sockets cannot send ancillary data without
// at least one byte of payload.
const fileCarrierByte = 0x46 // 'F'

// request is the client→server frame envelope.
type request struct {
	Method string           `cbor:"method"`
	Args   codec.RawMessage `cbor:"args,omitempty"`
}

// response is the server→client frame envelope. HasFile announces
// that one out-of-band file descriptor follows the frame.
type response struct {
	OK      bool             `cbor:"ok"`
	Error   string           `cbor:"error,omitempty"`
	Data    codec.RawMessage `cbor:"data,omitempty"`
	HasFile bool             `cbor:"has_file,omitempty"`
}

// writeFrame marshals v and writes it as one length-prefixed frame.
func writeFrame(conn net.Conn, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds limit %d", len(payload), maxFrameSize)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// readFrame reads one length-prefixed frame and returns its raw CBOR
// payload. io.ReadFull consumes exactly the frame's bytes, leaving
// any out-of-band descriptor message as the next thing on the socket.
func readFrame(conn net.Conn) (codec.RawMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", size, maxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// sendFile transfers one open file over the connection via SCM_RIGHTS.
// The kernel duplicates the descriptor at sendmsg time, so the caller
// retains ownership of its own copy.
func sendFile(conn net.Conn, file *os.File) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("transport %T cannot carry file descriptors", conn)
	}
	rights := unix.UnixRights(int(file.Fd()))
	if _, _, err := unixConn.WriteMsgUnix([]byte{fileCarrierByte}, rights, nil); err != nil {
		return fmt.Errorf("sending descriptor: %w", err)
	}
	return nil
}

// recvFile receives one file descriptor sent by sendFile.
func recvFile(conn net.Conn) (*os.File, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("transport %T cannot carry file descriptors", conn)
	}

	carrier := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unixConn.ReadMsgUnix(carrier, oob)
	if err != nil {
		return nil, fmt.Errorf("receiving descriptor: %w", err)
	}
	if carrier[0] != fileCarrierByte {
		return nil, fmt.Errorf("descriptor carrier byte 0x%02x, want 0x%02x", carrier[0], fileCarrierByte)
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	if len(messages) != 1 {
		return nil, fmt.Errorf("got %d control messages, want 1", len(messages))
	}
	fds, err := unix.ParseUnixRights(&messages[0])
	if err != nil {
		return nil, fmt.Errorf("parsing rights message: %w", err)
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("got %d descriptors, want 1", len(fds))
	}

	unix.CloseOnExec(fds[0])
	return os.NewFile(uintptr(fds[0]), "received-descriptor"), nil
}
