// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	want := &AuthContext{ParticipantID: "participant-1", Method: MethodJWT}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
	if id := ParticipantID(ctx); id != "participant-1" {
		t.Errorf("ParticipantID() = %q, want participant-1", id)
	}
}

func TestFromContext_Missing(t *testing.T) {
	ctx := context.Background()
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
	if id := ParticipantID(ctx); id != "" {
		t.Errorf("ParticipantID() = %q, want empty", id)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() did not panic")
		}
	}()
	MustFromContext(context.Background())
}
