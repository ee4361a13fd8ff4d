package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/verimem/verimem/internal/claim"
)

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Vector derived from length so distinct lines stay distinct.
	return []float32{float32(len(text)), 1}, nil
}

type fakeWriter struct {
	upserts []claim.VerificationResult
	seen    map[string]int
	err     error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{seen: make(map[string]int)}
}

func (f *fakeWriter) UpsertWithEmbedding(ctx context.Context, res claim.VerificationResult, vec []float32) (claim.MemoryUpdateResult, error) {
	if f.err != nil {
		return claim.MemoryUpdateResult{}, f.err
	}
	f.upserts = append(f.upserts, res)
	f.seen[res.NormalizedClaim]++
	action := claim.ActionCreated
	if f.seen[res.NormalizedClaim] > 1 {
		action = claim.ActionUpdated
	}
	return claim.MemoryUpdateResult{
		Action:    action,
		ClaimID:   res.NormalizedClaim,
		SeenCount: f.seen[res.NormalizedClaim],
	}, nil
}

func writeSeedFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing seed file: %v", err)
	}
	return path
}

func TestSeedFile_TextLines(t *testing.T) {
	writer := newFakeWriter()
	s := NewSeeder(writer, &fakeEmbedder{})

	path := writeSeedFile(t, "claims.txt", `# ground truth
The sky is blue.

Water boils at 100 degrees Celsius at sea level.
`)

	res, err := s.SeedFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SeedFile: %v", err)
	}
	if res.Claims != 2 {
		t.Errorf("claims = %d, want 2", res.Claims)
	}
	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	if res.Skipped != 2 {
		t.Errorf("skipped = %d, want 2 (comment + blank)", res.Skipped)
	}

	if len(writer.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(writer.upserts))
	}
	first := writer.upserts[0]
	if first.Verdict != claim.VerdictTrue {
		t.Errorf("verdict = %q, want True", first.Verdict)
	}
	if first.Source != claim.SourceVerified {
		t.Errorf("source = %q, want Verified", first.Source)
	}
	if first.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", first.Confidence)
	}
	if first.NormalizedClaim != "the sky is blue" {
		t.Errorf("normalized = %q", first.NormalizedClaim)
	}
}

func TestSeedFile_ReseedUpdates(t *testing.T) {
	writer := newFakeWriter()
	s := NewSeeder(writer, &fakeEmbedder{})

	path := writeSeedFile(t, "claims.txt", "The sky is blue.\n")

	if _, err := s.SeedFile(context.Background(), path); err != nil {
		t.Fatalf("first SeedFile: %v", err)
	}
	res, err := s.SeedFile(context.Background(), path)
	if err != nil {
		t.Fatalf("second SeedFile: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Errorf("re-seed: created = %d, updated = %d, want 0/1", res.Created, res.Updated)
	}
}

func TestSeedFile_EmptyFile(t *testing.T) {
	writer := newFakeWriter()
	s := NewSeeder(writer, &fakeEmbedder{})

	path := writeSeedFile(t, "claims.txt", "\n# only comments\n\n")

	res, err := s.SeedFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SeedFile: %v", err)
	}
	if res.Claims != 0 || len(writer.upserts) != 0 {
		t.Errorf("result = %+v, upserts = %d, want nothing stored", res, len(writer.upserts))
	}
}

func TestSeedFile_MissingFile(t *testing.T) {
	s := NewSeeder(newFakeWriter(), &fakeEmbedder{})

	if _, err := s.SeedFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSeedFile_EmbedderFailure(t *testing.T) {
	writer := newFakeWriter()
	s := NewSeeder(writer, &fakeEmbedder{err: errors.New("model offline")})

	path := writeSeedFile(t, "claims.txt", "The sky is blue.\n")

	if _, err := s.SeedFile(context.Background(), path); err == nil {
		t.Fatal("expected error when embedding fails")
	}
	if len(writer.upserts) != 0 {
		t.Error("nothing should be stored when embedding fails")
	}
}
