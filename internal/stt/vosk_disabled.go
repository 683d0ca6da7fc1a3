//go:build !vosk

package stt

import "errors"

func newVoskModel(string) (Model, error) {
	return nil, errors.New("stt mode vosk requires a build with -tags vosk")
}
