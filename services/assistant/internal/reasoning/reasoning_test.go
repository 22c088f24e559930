package reasoning

import (
	"context"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   Output
		want string
	}{
		{"fragments", FragmentsOutput("Your", " balance is $500"), "Your\n balance is $500"},
		{"text", TextOutput("Your balance is $500"), "Your balance is $500"},
		{"empty", EmptyOutput(), NoResponse},
		{"blank text", TextOutput("  \n"), NoResponse},
		{"no fragments", FragmentsOutput(), NoResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	args, err := decodeArgs(`{"query":"SELECT 1","limit":5,"skip":null}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if args["query"] != "SELECT 1" || args["limit"] != "5" {
		t.Fatalf("unexpected args %v", args)
	}
	if _, ok := args["skip"]; ok {
		t.Fatalf("expected null argument dropped")
	}
	if _, err := decodeArgs(`["not","an","object"]`); err == nil {
		t.Fatalf("expected error for non-object arguments")
	}
}

func TestClassifyModelErr(t *testing.T) {
	ctx := context.Background()
	if err := classifyModelErr(ctx, errors.New("boom")); !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	quota := errors.Join(ErrQuotaExhausted, errors.New("429"))
	if err := classifyModelErr(ctx, quota); !errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrBackend) {
		t.Fatalf("expected quota error untouched, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := classifyModelErr(cancelled, errors.New("request aborted")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
