// Package json provides a high-performance JSON serialization wrapper.
// It uses sonic on amd64/arm64 and falls back to encoding/json elsewhere.
//
// It also carries helpers for pulling JSON payloads out of free-form LLM
// output, which frequently wraps the object in prose or markdown fences.
package json

import (
	stdjson "encoding/json"
	"errors"
	"runtime"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	// Marshal encodes v into JSON bytes.
	Marshal func(v interface{}) ([]byte, error)

	// Unmarshal decodes JSON bytes into v.
	Unmarshal func(data []byte, v interface{}) error

	usingSonic bool
)

// ErrNoJSON is returned when no JSON value can be located in the input.
var ErrNoJSON = errors.New("no json value found")

func init() {
	// Sonic only supports amd64 and arm64 architectures
	if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
		Marshal = sonic.ConfigStd.Marshal
		Unmarshal = sonic.ConfigStd.Unmarshal
		usingSonic = true
		return
	}
	Marshal = stdjson.Marshal
	Unmarshal = stdjson.Unmarshal
}

// IsUsingSonic returns true if sonic is being used for JSON operations.
func IsUsingSonic() bool {
	return usingSonic
}

// MarshalString encodes v and returns it as a string.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExtractObject returns the first balanced {...} block in text.
func ExtractObject(text string) (string, error) {
	return extractBalanced(text, '{', '}')
}

// ExtractArray returns the first balanced [...] block in text.
func ExtractArray(text string) (string, error) {
	return extractBalanced(text, '[', ']')
}

// UnmarshalLenient locates the first JSON object in text and decodes it into v.
func UnmarshalLenient(text string, v interface{}) error {
	obj, err := ExtractObject(text)
	if err != nil {
		return err
	}
	return Unmarshal([]byte(obj), v)
}

func extractBalanced(text string, open, close byte) (string, error) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
