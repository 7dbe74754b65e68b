package checkpoint

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func mustToken(t *testing.T, v bson.M) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(v)
	if err != nil {
		t.Fatalf("bson.Marshal: %v", err)
	}
	return raw
}

func TestMemoryStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token := mustToken(t, bson.M{"_data": "8265A1B2C3"})

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token, nil, 42); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := store.LoadCheckpoint(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !bson.Raw(got).Equal(bson.Raw(token)) {
		t.Errorf("LoadCheckpoint returned %v, want %v", got, token)
	}

	count, err := store.LoadRecordsProcessed(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadRecordsProcessed: %v", err)
	}
	if count != 42 {
		t.Errorf("LoadRecordsProcessed = %d, want 42", count)
	}
}

func TestMemoryStoreLoadMissingReturnsNilNil(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.LoadCheckpoint(ctx, "no-such-job", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got != nil {
		t.Errorf("LoadCheckpoint = %v, want nil", got)
	}
}

func TestMemoryStoreRejectsInvalidToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name  string
		token bson.Raw
	}{
		{"empty", bson.Raw{}},
		{"nil", nil},
		{"garbage bytes", bson.Raw{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SaveCheckpoint(ctx, "job-1", "orders", tt.token, nil, 1)
			if err == nil {
				t.Fatal("SaveCheckpoint: expected error, got nil")
			}
			var cpErr *Error
			if !asCheckpointError(err, &cpErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if cpErr.Kind != KindInvalidToken {
				t.Errorf("Kind = %s, want %s", cpErr.Kind, KindInvalidToken)
			}
		})
	}
}

func TestMemoryStoreUpdatePreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token1 := mustToken(t, bson.M{"_data": "A"})
	token2 := mustToken(t, bson.M{"_data": "B"})

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token1, nil, 1); err != nil {
		t.Fatalf("SaveCheckpoint (1st): %v", err)
	}
	first := store.items[memKey("job-1", "orders")].CreatedAt

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token2, nil, 2); err != nil {
		t.Fatalf("SaveCheckpoint (2nd): %v", err)
	}
	second := store.items[memKey("job-1", "orders")]

	if !second.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt changed across update: %v -> %v", first, second.CreatedAt)
	}
	if second.RecordsProcessed != 2 {
		t.Errorf("RecordsProcessed = %d, want 2", second.RecordsProcessed)
	}
}

func TestMemoryStoreDeleteCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token := mustToken(t, bson.M{"_data": "A"})

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token, nil, 1); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := store.DeleteCheckpoint(ctx, "job-1", "orders"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	got, err := store.LoadCheckpoint(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got != nil {
		t.Errorf("LoadCheckpoint after delete = %v, want nil", got)
	}
}

func TestMemoryStoreIsolatesDistinctCollections(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ordersToken := mustToken(t, bson.M{"_data": "ORDERS"})
	usersToken := mustToken(t, bson.M{"_data": "USERS"})

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", ordersToken, nil, 10); err != nil {
		t.Fatalf("SaveCheckpoint(orders): %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "job-1", "users", usersToken, nil, 20); err != nil {
		t.Fatalf("SaveCheckpoint(users): %v", err)
	}

	got, err := store.LoadCheckpoint(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint(orders): %v", err)
	}
	if !bson.Raw(got).Equal(bson.Raw(ordersToken)) {
		t.Errorf("orders checkpoint clobbered by users save")
	}
}

func TestMemoryStoreReturnedTokenIsDefensiveCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token := mustToken(t, bson.M{"_data": "A"})

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token, nil, 1); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := store.LoadCheckpoint(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	for i := range got {
		got[i] = 0xFF
	}

	got2, err := store.LoadCheckpoint(ctx, "job-1", "orders")
	if err != nil {
		t.Fatalf("LoadCheckpoint (2nd): %v", err)
	}
	if !bson.Raw(got2).Equal(bson.Raw(token)) {
		t.Error("mutating a returned token corrupted internal state")
	}
}

func TestMemoryStoreRecordsProcessedNeverObservedToDecrease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token := mustToken(t, bson.M{"_data": "A"})

	counts := []int64{10, 25, 40}
	for _, c := range counts {
		if err := store.SaveCheckpoint(ctx, "job-1", "orders", token, nil, c); err != nil {
			t.Fatalf("SaveCheckpoint(%d): %v", c, err)
		}
		got, err := store.LoadRecordsProcessed(ctx, "job-1", "orders")
		if err != nil {
			t.Fatalf("LoadRecordsProcessed: %v", err)
		}
		if got != c {
			t.Errorf("LoadRecordsProcessed = %d, want %d", got, c)
		}
	}
}

func TestMemoryStoreSaveCheckpointWithLastEventTime(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	token := mustToken(t, bson.M{"_data": "A"})
	ts := time.Now().UTC().Truncate(time.Second)

	if err := store.SaveCheckpoint(ctx, "job-1", "orders", token, &ts, 1); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp := store.items[memKey("job-1", "orders")]
	if cp.LastEventTime == nil || !cp.LastEventTime.Equal(ts) {
		t.Errorf("LastEventTime = %v, want %v", cp.LastEventTime, ts)
	}
}

// asCheckpointError is a small helper mirroring errors.As without pulling in
// the errors package just for this one assertion.
func asCheckpointError(err error, target **Error) bool {
	cpErr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = cpErr
	return true
}
