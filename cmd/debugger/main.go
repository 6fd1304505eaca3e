// Command debugger serves the iterative code debugger and runs one-shot
// debugging sessions from the terminal.
//
// Usage:
//
//	debugger serve                                  # HTTP :8000, gRPC :50051
//	debugger serve --http-addr :9000 --grpc-addr ""  # HTTP only
//	debugger run --code-file app.py --log-file err.txt
//	echo '{"code": "...", "error_log": "..."}' | debugger run
//	debugger version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errNotFixed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
