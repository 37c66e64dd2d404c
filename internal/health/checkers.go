package health

import (
	"context"
	"errors"
)

// Errors reported by the built-in checkers.
var (
	ErrGatewayDown  = errors.New("gateway not connected")
	ErrVoiceMissing = errors.New("not in the voice channel")
	ErrEncoderDown  = errors.New("stream active but encoder is not running")
)

// Discord reports whether the chat gateway is up.
func Discord(ready func() bool) Checker {
	return Checker{Name: "discord", Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ready() {
			return ErrGatewayDown
		}
		return nil
	}}
}

// Voice reports whether the bot holds its voice connection.
func Voice(joined func() bool) Checker {
	return Checker{Name: "voice", Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !joined() {
			return ErrVoiceMissing
		}
		return nil
	}}
}

// Sink fails only while a stream is active without a live encoder. An idle
// bridge is ready.
func Sink(streaming, alive func() bool) Checker {
	return Checker{Name: "sink", Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if streaming() && !alive() {
			return ErrEncoderDown
		}
		return nil
	}}
}
