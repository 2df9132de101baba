// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse parses Server-Sent Event streams.
//
// This is a small explicit state machine over the transport's byte
// chunks: lines accumulate until a blank-line record boundary, field
// names are split on the first colon, and multi-line data fields are
// reassembled with newlines. Both the cloud streaming clients and the
// local bridge translator read their wire protocols through it.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxEventSize is the maximum allowed size for a single event (64KB).
const MaxEventSize = 64 * 1024

// Event is one parsed server-sent event.
type Event struct {
	// Type is the "event:" field, usually empty for chat streams.
	Type string

	// Data is the joined "data:" payload.
	Data []byte
}

// Reader parses events from a byte stream.
type Reader struct {
	reader *bufio.Reader
}

// NewReader creates an event reader from an io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// Next reads the next event from the stream.
//
// Returns io.EOF when the stream ends. A final event terminated by EOF
// rather than a blank line is still delivered before the EOF.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines [][]byte
	var size int

	for {
		line, err := r.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				line = bytes.TrimRight(line, "\r\n")
				if len(line) > 0 {
					dataLines = appendField(&ev, dataLines, line)
				}
				if len(dataLines) > 0 {
					ev.Data = bytes.Join(dataLines, []byte("\n"))
					return ev, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		size += len(line)
		if size > MaxEventSize {
			return Event{}, fmt.Errorf("event too large: %d bytes", size)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 || ev.Type != "" {
				ev.Data = bytes.Join(dataLines, []byte("\n"))
				return ev, nil
			}
			size = 0
			continue
		}

		dataLines = appendField(&ev, dataLines, line)
	}
}

// appendField parses one "field: value" line into the event in
// progress. Comments and unknown fields (id:, retry:) are ignored.
func appendField(ev *Event, dataLines [][]byte, line []byte) [][]byte {
	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		data := line[5:]
		if len(data) > 0 && data[0] == ' ' {
			data = data[1:]
		}
		return append(dataLines, data)
	case bytes.HasPrefix(line, []byte("event:")):
		ev.Type = string(bytes.TrimSpace(line[6:]))
	}
	return dataLines
}
