package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"gmmfit/internal/model"
)

func checkpoint(t float64, sigma ...float64) model.Checkpoint {
	return model.Checkpoint{SimTime: t, Sigma: sigma}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if _, ok, err := store.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest() on empty store = ok %v, err %v; want false, nil", ok, err)
	}

	if err := store.Append(ctx, checkpoint(1.0, 0.5, 0.6)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Append(ctx, checkpoint(2.0, 0.7, 0.8)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, ok, err := store.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest() = ok %v, err %v; want true, nil", ok, err)
	}
	if got.SimTime != 2.0 {
		t.Fatalf("Latest() SimTime = %v, want 2.0", got.SimTime)
	}
	if len(got.Sigma) != 2 || got.Sigma[0] != 0.7 || got.Sigma[1] != 0.8 {
		t.Fatalf("Latest() Sigma = %v, want [0.7 0.8]", got.Sigma)
	}
	if got.SchemaVersion != CurrentSchemaVersion || got.CodecVersion != CurrentCodecVersion {
		t.Fatalf("Latest() versions = %d/%d, want %d/%d",
			got.SchemaVersion, got.CodecVersion, CurrentSchemaVersion, CurrentCodecVersion)
	}
}

func TestMemoryStoreCopiesSigma(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	sigma := []float64{0.5}
	if err := store.Append(ctx, checkpoint(1.0, sigma...)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	sigma[0] = 99.0

	got, _, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if got.Sigma[0] != 0.5 {
		t.Fatalf("stored sigma aliased the caller slice: got %v", got.Sigma[0])
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt.jsonl")

	store := NewFileStore(path)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := store.Append(ctx, checkpoint(float64(i), float64(i)*0.1)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// a fresh handle reads what the first one wrote
	reopened := NewFileStore(path)
	got, ok, err := reopened.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest() = ok %v, err %v; want true, nil", ok, err)
	}
	if got.SimTime != 3.0 || got.Sigma[0] != 0.3 {
		t.Fatalf("Latest() = SimTime %v, Sigma %v; want 3.0, [0.3]", got.SimTime, got.Sigma)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "never-written.jsonl"))
	if _, ok, err := store.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest() on missing file = ok %v, err %v; want false, nil", ok, err)
	}
}

func TestFileStoreToleratesCorruptTrailingLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt.jsonl")

	store := NewFileStore(path)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := store.Append(ctx, checkpoint(1.0, 0.5)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// truncated write at the tail, as after a crash
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"sim_time": 2.0, "sig`); err != nil {
		t.Fatalf("write corrupt tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, ok, err := NewFileStore(path).Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest() = ok %v, err %v; want true, nil", ok, err)
	}
	if got.SimTime != 1.0 {
		t.Fatalf("Latest() SimTime = %v, want the last intact record 1.0", got.SimTime)
	}
}

func TestFileStoreVersionMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt.jsonl")

	line := fmt.Sprintf(`{"schema_version": %d, "codec_version": %d, "sim_time": 1.0, "sigma": [0.5]}`,
		CurrentSchemaVersion+1, CurrentCodecVersion)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, _, err := NewFileStore(path).Latest(ctx)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Latest() error = %v, want ErrVersionMismatch", err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	payload, err := EncodeCheckpoint(checkpoint(4.5, 0.1, 0.2, 0.3))
	if err != nil {
		t.Fatalf("EncodeCheckpoint() error: %v", err)
	}
	got, err := DecodeCheckpoint(payload)
	if err != nil {
		t.Fatalf("DecodeCheckpoint() error: %v", err)
	}
	if got.SimTime != 4.5 || len(got.Sigma) != 3 || got.Sigma[2] != 0.3 {
		t.Fatalf("decoded checkpoint = %+v", got)
	}
}

func TestNewStoreDispatch(t *testing.T) {
	if _, err := NewStore("memory", ""); err != nil {
		t.Fatalf("NewStore(memory) error: %v", err)
	}
	if _, err := NewStore("", ""); err != nil {
		t.Fatalf("NewStore(default) error: %v", err)
	}
	store, err := NewStore("file", filepath.Join(t.TempDir(), "ckpt.jsonl"))
	if err != nil {
		t.Fatalf("NewStore(file) error: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("NewStore(file) returned %T, want *FileStore", store)
	}
	if _, err := NewStore("bolt", ""); err == nil {
		t.Fatal("NewStore(bolt) expected an error")
	}
}
