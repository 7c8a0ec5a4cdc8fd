package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithTenantID(ctx, "tenant")
	if got, ok := TenantID(ctx); !ok || got != "tenant" {
		t.Fatalf("TenantID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "user")
	if got, ok := UserID(ctx); !ok || got != "user" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_EmptyValues(t *testing.T) {
	t.Parallel()

	ctx := WithUserID(context.Background(), "")
	if _, ok := UserID(ctx); ok {
		t.Fatalf("expected empty user id to be reported as missing")
	}
	if _, ok := TraceID(context.Background()); ok {
		t.Fatalf("expected missing trace id")
	}
}
