// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/bureau-foundation/nsproxy/lib/codec"
)

// Handler processes one call. The args are the raw CBOR of the
// request's args field; the handler decodes what it needs.
//
// Return a result value (marshaled into the response payload, or nil
// for an empty payload) and optionally an open file to transfer out
// of band. Serve takes ownership of the returned file and closes it
// once transferred — the kernel duplicates the descriptor during
// transfer, so hand Serve a duplicate if the file must outlive the
// reply. Returning an error produces a failure response carrying the
// error text; the connection stays open.
type Handler func(ctx context.Context, args codec.RawMessage) (result any, file *os.File, err error)

// Serve runs the channel's service loop: read a request, dispatch it
// through handlers, write the response, repeat. Calls are processed
// strictly in order; a channel never has two calls in flight.
//
// Returns nil when the peer closes the connection or ctx is cancelled
// (the caller is expected to close conn on cancellation to unblock
// the read). Any other transport failure is returned.
func Serve(ctx context.Context, conn net.Conn, handlers map[string]Handler, logger *slog.Logger) error {
	for {
		raw, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		var req request
		if err := codec.Unmarshal(raw, &req); err != nil {
			if err := writeFrame(conn, response{Error: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		handler, exists := handlers[req.Method]
		if !exists {
			if err := writeFrame(conn, response{Error: fmt.Sprintf("unknown method %q", req.Method)}); err != nil {
				return err
			}
			continue
		}

		result, file, err := handler(ctx, req.Args)
		if err != nil {
			logger.Debug("call failed",
				"method", req.Method,
				"error", err,
			)
			if err := writeFrame(conn, response{Error: err.Error()}); err != nil {
				return err
			}
			continue
		}

		resp := response{OK: true, HasFile: file != nil}
		if result != nil {
			data, err := codec.Marshal(result)
			if err != nil {
				if file != nil {
					file.Close()
				}
				if err := writeFrame(conn, response{Error: fmt.Sprintf("internal: marshaling response: %v", err)}); err != nil {
					return err
				}
				continue
			}
			resp.Data = data
		}

		if err := writeFrame(conn, resp); err != nil {
			if file != nil {
				file.Close()
			}
			return fmt.Errorf("writing response: %w", err)
		}
		if file != nil {
			sendErr := sendFile(conn, file)
			file.Close()
			if sendErr != nil {
				return sendErr
			}
		}
	}
}
