package firestorestore

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/queue/queuetest"
)

func TestContract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "dossier-test")
	if err != nil {
		t.Fatalf("firestore.NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Store {
		return New(client, "queue-"+uuid.NewString(), opts, nil)
	})
}
