// Package sshterminal is the remote shell transport: it opens an authenticated
// SSH connection to a provisioned host, requests an interactive PTY and exposes
// the shell as a [Channel].
//
// # Channel Contract
//
//   - [Channel.Send] writes client keystrokes to the shell's stdin.
//   - [Channel.Recv] returns the next chunk of output. The sequence is finite:
//     it ends with [io.EOF] once the remote process exits and every buffered
//     chunk has been returned, or with [ErrClosed] after a local Close. A
//     channel is not restartable.
//   - [Channel.Resize] changes the PTY window.
//   - [Channel.Close] is idempotent and unblocks any pending Recv.
//
// Output is pumped from stdout and stderr into a bounded queue. When nobody
// drains it the pump blocks, the SSH window fills and the remote side stops
// writing, so a slow relay applies back-pressure all the way to the shell.
//
// # Security
//
// [MaxInputMessageSize], [MaxTermCols], [MaxTermRows] and [RateLimiter] bound
// what a browser client can push into a channel.
//
// # Log Prefixes
//
// Transport operations log at the [sshterminal] prefix.
package sshterminal
