package domain

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestChunksReassemble(t *testing.T) {
	tests := []struct {
		name    string
		chunks  Chunks
		want    string
		wantErr string
	}{
		{
			name:   "single chunk",
			chunks: Chunks{Count: 1, Parts: []Chunk{{Index: 0, Data: b64("hello")}}},
			want:   "hello",
		},
		{
			name: "ordered chunks",
			chunks: Chunks{Count: 3, Parts: []Chunk{
				{Index: 0, Data: b64("foo")},
				{Index: 1, Data: b64("bar")},
				{Index: 2, Data: b64("baz")},
			}},
			want: "foobarbaz",
		},
		{
			name: "out of order chunks sorted by index",
			chunks: Chunks{Count: 3, Parts: []Chunk{
				{Index: 2, Data: b64("baz")},
				{Index: 0, Data: b64("foo")},
				{Index: 1, Data: b64("bar")},
			}},
			want: "foobarbaz",
		},
		{
			name:    "zero count",
			chunks:  Chunks{Count: 0},
			wantErr: "incomplete upload",
		},
		{
			name: "missing chunk",
			chunks: Chunks{Count: 3, Parts: []Chunk{
				{Index: 0, Data: b64("foo")},
				{Index: 2, Data: b64("baz")},
			}},
			wantErr: "incomplete upload",
		},
		{
			name: "gap in indices despite full count",
			chunks: Chunks{Count: 2, Parts: []Chunk{
				{Index: 0, Data: b64("foo")},
				{Index: 2, Data: b64("baz")},
			}},
			wantErr: "incomplete upload",
		},
		{
			name: "duplicate index",
			chunks: Chunks{Count: 2, Parts: []Chunk{
				{Index: 0, Data: b64("foo")},
				{Index: 0, Data: b64("foo")},
			}},
			wantErr: "incomplete upload",
		},
		{
			name:    "invalid base64",
			chunks:  Chunks{Count: 1, Parts: []Chunk{{Index: 0, Data: "!!not-base64!!"}}},
			wantErr: "chunk decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.chunks.Reassemble()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
