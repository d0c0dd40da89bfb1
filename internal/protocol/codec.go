// ABOUTME: Envelope codec converting raw frames to and from {cmd, data} documents.
// ABOUTME: JSON is used for text frames and CBOR for binary frames.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedMessage is returned when a frame is not a well-formed
// structured document or lacks the cmd field.
var ErrMalformedMessage = errors.New("malformed message")

// ErrUnsupportedPayload is returned when an envelope carries a value that
// has no structured-data representation (channels, functions, NaN, ...).
var ErrUnsupportedPayload = errors.New("unsupported payload")

// Envelope is the logical message exchanged with remote agents.
type Envelope struct {
	Command Command
	Data    any
}

// Format identifies a concrete encoding of the envelope.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Codec encodes and decodes envelopes. Implementations hold no per-message
// state and are safe for concurrent use.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(raw []byte) (Envelope, error)
	Format() Format
}

// JSONCodec is the text-frame codec.
type JSONCodec struct{}

// CBORCodec is the binary-frame codec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// wire is the on-the-wire shape shared by both codecs.
type wire struct {
	Cmd  any `json:"cmd" cbor:"cmd"`
	Data any `json:"data" cbor:"data"`
}

var (
	defaultJSON = JSONCodec{}
	defaultCBOR = mustCBORCodec()
)

// CodecFor returns the shared codec for the given format.
func CodecFor(f Format) Codec {
	if f == FormatCBOR {
		return defaultCBOR
	}
	return defaultJSON
}

// Encode marshals env as {"cmd": ..., "data": ...}.
func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(wire{Cmd: string(env.Command), Data: env.Data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	return raw, nil
}

// Decode parses a JSON document. Numbers in data decode as float64.
func (JSONCodec) Decode(raw []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	cmd, err := parseCommand(w.Cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Command: cmd, Data: w.Data}, nil
}

// Format reports FormatJSON.
func (JSONCodec) Format() Format { return FormatJSON }

// DecodeJSONExact parses a JSON envelope like JSONCodec.Decode but keeps
// integral numbers as int64, so they re-encode as integers in either
// format. Non-integral numbers decode as float64.
func DecodeJSONExact(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var w wire
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, fmt.Errorf("%w: trailing data after document", ErrMalformedMessage)
	}

	cmdVal, err := normalizeNumbers(w.Cmd)
	if err != nil {
		return Envelope{}, err
	}
	cmd, err := parseCommand(cmdVal)
	if err != nil {
		return Envelope{}, err
	}
	data, err := normalizeNumbers(w.Data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Command: cmd, Data: data}, nil
}

// normalizeNumbers replaces every json.Number in v with int64 when it is
// integral and in range, float64 otherwise.
func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %v", ErrMalformedMessage, t, err)
		}
		return f, nil
	case map[string]any:
		for k, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// NewCBORCodec builds a CBOR codec whose decoded maps are string-keyed, so
// payloads look the same to handlers regardless of the frame format.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func mustCBORCodec() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// Encode marshals env as a two-entry CBOR map.
func (c *CBORCodec) Encode(env Envelope) ([]byte, error) {
	raw, err := c.enc.Marshal(wire{Cmd: string(env.Command), Data: env.Data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	return raw, nil
}

// Decode parses a CBOR document. Integers in data decode as uint64 or
// int64, floats as float64.
func (c *CBORCodec) Decode(raw []byte) (Envelope, error) {
	var w wire
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	cmd, err := parseCommand(w.Cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Command: cmd, Data: w.Data}, nil
}

// Format reports FormatCBOR.
func (c *CBORCodec) Format() Format { return FormatCBOR }
