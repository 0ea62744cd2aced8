package config

import (
	"context"
	"errors"
	"testing"
)

func TestGetPubSubClient_StopsRetryingOnCancel(t *testing.T) {
	// Malformed credentials make every attempt fail, so without the context
	// check the retry loop would spin forever.
	t.Setenv("PUBSUB_PROJECT_ID", "test-project")
	t.Setenv("PUBSUB_CREDENTIALS_JSON", "{not json")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := getPubSubClient(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
