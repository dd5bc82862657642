package security

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		size    int
		depth   int
		wantErr error
	}{
		{name: "ok", body: `{"callId":"c1","input":{"a":1}}`},
		{name: "too large", body: `{"a":"` + strings.Repeat("x", 100) + `"}`, size: 50, wantErr: ErrBodyTooLarge},
		{name: "at size limit", body: `{"a":1}`, size: 7},
		{name: "too deep", body: `{"a":{"b":{"c":1}}}`, depth: 2, wantErr: ErrJSONTooDeep},
		{name: "invalid", body: `{"a":`, wantErr: ErrInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var v map[string]any
			err := DecodeJSON(strings.NewReader(tt.body), tt.size, tt.depth, &v)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckJSONDepth_Arrays(t *testing.T) {
	t.Parallel()

	deep := strings.Repeat("[", 100) + strings.Repeat("]", 100)
	if err := CheckJSONDepth([]byte(deep), 0); !errors.Is(err, ErrJSONTooDeep) {
		t.Errorf("got %v, want ErrJSONTooDeep", err)
	}
	if err := CheckJSONDepth([]byte(`[[1],[2]]`), 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
