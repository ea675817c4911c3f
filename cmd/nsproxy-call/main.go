// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nsproxy-call issues a single name-service operation against a proxy
// socket, from inside or outside a sandbox. Lookup results are
// written to stdout (or --output); insert and delete print the status
// the proxy returns, which against a real proxy is always
// permission-denied.
//
//	nsproxy-call --socket /run/nsproxy/ns.sock lookup files/main.nexe
//	nsproxy-call --socket /run/nsproxy/ns.sock delete files/main.nexe
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nsproxy/lib/nsclient"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath string
	var outputPath string
	var flags int32

	flagSet := pflag.NewFlagSet("nsproxy-call", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "/run/nsproxy/ns.sock", "proxy name service socket")
	flagSet.StringVar(&outputPath, "output", "", "write looked-up content to this file instead of stdout")
	flagSet.Int32Var(&flags, "flags", 0, "open flags to request")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	args := flagSet.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: nsproxy-call [--socket PATH] {lookup|insert|delete} NAME")
	}
	operation, name := args[0], args[1]

	client, err := nsclient.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()

	switch operation {
	case "lookup":
		status, file, err := client.Lookup(ctx, name, flags)
		if err != nil {
			return err
		}
		if status != wire.StatusOK {
			return fmt.Errorf("lookup %q: %v", name, status)
		}
		defer file.Close()

		output := os.Stdout
		if outputPath != "" {
			output, err = os.Create(outputPath)
			if err != nil {
				return err
			}
			defer output.Close()
		}
		if _, err := io.Copy(output, file); err != nil {
			return fmt.Errorf("reading descriptor: %w", err)
		}
		return nil

	case "insert":
		status, err := client.Insert(ctx, name, nil)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil

	case "delete":
		status, err := client.Delete(ctx, name)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil

	default:
		return fmt.Errorf("unknown operation %q (want lookup, insert, or delete)", operation)
	}
}
