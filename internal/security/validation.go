package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request body limits.
const (
	DefaultMaxBodySize  = 4 << 20 // 4 MiB, scripts and tool inputs included
	DefaultMaxJSONDepth = 64
)

var (
	ErrBodyTooLarge = errors.New("request body exceeds maximum size")
	ErrJSONTooDeep  = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON  = errors.New("invalid JSON")
)

// DecodeJSON reads at most maxSize bytes from r, rejects documents nested
// deeper than maxDepth and unmarshals the rest into v. Zero limits take
// the defaults.
func DecodeJSON(r io.Reader, maxSize, maxDepth int, v any) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: max %d bytes", ErrBodyTooLarge, maxSize)
	}
	if err := CheckJSONDepth(data, maxDepth); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	return nil
}

// CheckJSONDepth walks the tokens of data and fails once nesting exceeds
// maxDepth.
func CheckJSONDepth(data []byte, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxJSONDepth
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxDepth {
				return fmt.Errorf("%w: depth %d (max %d)", ErrJSONTooDeep, depth, maxDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
