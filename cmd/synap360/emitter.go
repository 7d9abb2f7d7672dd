package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/soaringjerry/Synap360/internal/services"
)

// fileEmitter registers credentials locally: each one gets a fresh id and is
// written as JSON either to dir/<id>.json or, without a dir, to w.
type fileEmitter struct {
	dir   string
	w     io.Writer
	newID func() string
}

func newFileEmitter(dir string, w io.Writer) *fileEmitter {
	return &fileEmitter{dir: dir, w: w, newID: uuid.NewString}
}

func (e *fileEmitter) Emit(ctx context.Context, cred *services.IssuedCredential) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := e.newID()
	doc := *cred
	doc.CredentialID = id
	if e.dir == "" {
		enc := json.NewEncoder(e.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(&doc); err != nil {
			return "", fmt.Errorf("write credential: %w", err)
		}
		return id, nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create credential dir: %w", err)
	}
	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	path := filepath.Join(e.dir, id+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write credential %s: %w", path, err)
	}
	return id, nil
}
