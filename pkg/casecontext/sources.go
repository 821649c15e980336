package casecontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/firestore"
)

// DirSource reads case records from <dir>/<case_id>.json.
type DirSource struct {
	Dir string
}

var _ Source = (*DirSource)(nil)

// FetchCases implements Source
func (s *DirSource) FetchCases(ctx context.Context, caseIDs []string) (map[string]CaseRecord, error) {
	if _, err := os.Stat(s.Dir); err != nil {
		return nil, fmt.Errorf("case directory %s: %w", s.Dir, err)
	}
	out := make(map[string]CaseRecord, len(caseIDs))
	for _, id := range caseIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Case ids come from upstream plans; keep lookups inside Dir.
		if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.Dir, id+".json"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read case %s: %w", id, err)
		}
		var record CaseRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode case %s: %w", id, err)
		}
		out[id] = record
	}
	return out, nil
}

// FirestoreSource reads case records from a Firestore collection keyed by case id.
type FirestoreSource struct {
	Client     *firestore.Client
	Collection string
}

var _ Source = (*FirestoreSource)(nil)

// FetchCases implements Source with a single batched GetAll
func (s *FirestoreSource) FetchCases(ctx context.Context, caseIDs []string) (map[string]CaseRecord, error) {
	coll := s.Client.Collection(s.Collection)
	refs := make([]*firestore.DocumentRef, 0, len(caseIDs))
	for _, id := range caseIDs {
		if id == "" {
			continue
		}
		refs = append(refs, coll.Doc(id))
	}
	if len(refs) == 0 {
		return map[string]CaseRecord{}, nil
	}

	snaps, err := s.Client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to get case documents: %w", err)
	}
	out := make(map[string]CaseRecord, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var record CaseRecord
		if err := snap.DataTo(&record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal case %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = record
	}
	return out, nil
}
