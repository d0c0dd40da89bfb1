// Package protocol defines the wire envelope exchanged with field gateways.
//
// # Envelope
//
// Every frame carries one structured document with two fields:
//
//	{"cmd": "IDENTIFY", "data": {"guid": "a567e912-...", "hostname": "bigsens"}}
//
// cmd may be a string or a small integer; integers are normalized to the
// canonical string tags (1 = IDENTIFY, 2 = SERVICE_ANNOUNCE, 3 = DEVICE_LIST,
// 4 = DEVICE_STATE, 5 = DEVICE_ANNOUNCE). data is any structured value.
//
// # Codecs
//
// Text frames use JSONCodec and binary frames use CBORCodec. Both decode
// maps as map[string]any so handlers see the same shapes either way.
// Decoding failures wrap ErrMalformedMessage; encoding a value with no
// structured representation wraps ErrUnsupportedPayload.
package protocol
