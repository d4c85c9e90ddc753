// Package protocol implements the binary wire protocol spoken between the
// collab server and its clients.
//
// Every WebSocket binary message carries exactly one tagged message: a
// single tag byte followed by a tag-specific payload encoded with the
// varint/length-prefixed primitives in Encoder and Decoder. The same
// encoding, wrapped in a length-prefixed frame, is used for the on-disk
// recording stream (see Frame).
package protocol
