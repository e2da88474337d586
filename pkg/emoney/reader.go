package emoney

import (
	"context"
	"fmt"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/rs/zerolog"
)

// CodeSuccess is the response code the reader uses for an accepted command.
const CodeSuccess byte = 0x00

type Submitter interface {
	Submit(ctx context.Context, command []byte) (framecodec.Frame, error)
}

type Response struct {
	Code byte
	Data []byte
}

func (r Response) OK() bool { return r.Code == CodeSuccess }

// Reader issues commands to the e-money reader over a correlated link.
type Reader struct {
	link Submitter
	log  zerolog.Logger
}

func NewReader(link Submitter, logger zerolog.Logger) *Reader {
	return &Reader{link: link, log: logger}
}

func (r *Reader) Do(ctx context.Context, cmd Command) (Response, error) {
	wire, err := framecodec.EncodeBinary(cmd.Code(), cmd.Data)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode %s: %w", cmd.Name, err)
	}

	frame, err := r.link.Submit(ctx, wire)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	if !frame.HasResponseCode {
		return Response{Data: frame.Payload}, nil
	}
	resp := Response{Code: frame.ResponseCode, Data: frame.Data}
	r.log.Debug().
		Str("command", cmd.Name).
		Hex("code", []byte{resp.Code}).
		Hex("data", resp.Data).
		Msg("reader response")
	return resp, nil
}

// Initialize runs the handshake expected after every open: FirstConnect,
// then the success buzzer once the reader accepts it.
func (r *Reader) Initialize(ctx context.Context) error {
	resp, err := r.Do(ctx, FirstConnect())
	if err != nil {
		r.log.Error().Err(err).Msg("reader handshake failed")
		return err
	}
	if !resp.OK() {
		r.log.Warn().Hex("code", []byte{resp.Code}).Msg("reader rejected handshake")
		return fmt.Errorf("first_connect rejected with code %02X", resp.Code)
	}
	if _, err := r.Do(ctx, BuzzerSuccess()); err != nil {
		r.log.Warn().Err(err).Msg("failed to sound success buzzer")
	}
	r.log.Info().Msg("reader initialized")
	return nil
}
