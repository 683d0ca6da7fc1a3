package stt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Kind int

const (
	KindPartial Kind = iota
	KindFinal
)

func (k Kind) String() string {
	if k == KindFinal {
		return "final"
	}
	return "partial"
}

// Result is one recognizer decision. Payload is the recognizer's JSON document
// compacted onto a single line.
type Result struct {
	Kind    Kind
	Text    string
	Payload json.RawMessage
}

type resultFields struct {
	Partial string `json:"partial"`
	Text    string `json:"text"`
}

func NewPartial(raw string) (Result, error) {
	return newResult(KindPartial, raw)
}

func NewFinal(raw string) (Result, error) {
	return newResult(KindFinal, raw)
}

func newResult(kind Kind, raw string) (Result, error) {
	payload, err := Normalize(raw)
	if err != nil {
		return Result{}, err
	}
	var fields resultFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Result{}, fmt.Errorf("decode %s result: %w", kind, err)
	}
	text := fields.Text
	if kind == KindPartial {
		text = fields.Partial
	}
	return Result{Kind: kind, Text: text, Payload: payload}, nil
}

// Normalize re-encodes a JSON object without insignificant whitespace. JSON
// strings cannot hold raw newlines, so the output is always a single line.
func Normalize(raw string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, fmt.Errorf("normalize recognizer result: %w", err)
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		return nil, fmt.Errorf("normalize recognizer result: expected JSON object")
	}
	return json.RawMessage(buf.Bytes()), nil
}
