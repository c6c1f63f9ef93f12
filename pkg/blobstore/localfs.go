package blobstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/holtypes"
)

type localFs struct {
	path string
	log  *logex.Leveled
}

func NewLocalFs(path string, logger *log.Logger) Driver {
	return &localFs{
		path: path,
		log:  logex.Levels(logex.NonNil(logger)),
	}
}

func (l *localFs) RawStore(ctx context.Context, ref holtypes.BlobRef, content io.Reader) error {
	finalName := l.getPath(ref)
	tempName := finalName + ".temp"

	// does not error if already exists
	if err := os.MkdirAll(filepath.Dir(finalName), 0755); err != nil {
		return err
	}

	blobExists, err := fileexists.Exists(finalName)
	if err != nil {
		return err
	}

	if blobExists {
		// caller hashed the content, so identical ref means identical bytes.
		// duplicate write is a no-op success.
		return nil
	}

	tempFile, err := os.Create(tempName)
	if err != nil {
		return err
	}

	success := false

	// try to ensure cleanup
	defer func() {
		tempFile.Close()

		if !success {
			if err := os.Remove(tempName); err != nil {
				l.log.Error.Printf("temp file %s cleanup: %s", tempName, err.Error())
			}
		}
	}()

	if _, err := io.Copy(tempFile, content); err != nil {
		return err
	}

	if err := tempFile.Close(); err != nil { // double close is intentional
		return err
	}

	// rename can replace target file (there's a race condition with the file
	// exists check), but that is ok because both contents are hash-checked
	if err := os.Rename(tempName, finalName); err != nil {
		return err
	}

	success = true

	return nil
}

func (l *localFs) RawFetch(ctx context.Context, ref holtypes.BlobRef) (io.ReadCloser, error) {
	return os.Open(l.getPath(ref))
}

func (l *localFs) RawExists(ctx context.Context, ref holtypes.BlobRef) (bool, error) {
	return fileexists.Exists(l.getPath(ref))
}

func (l *localFs) RawRemove(ctx context.Context, ref holtypes.BlobRef) error {
	if err := os.Remove(l.getPath(ref)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (l *localFs) Mountable(ctx context.Context) error {
	exists, err := fileexists.Exists(l.path)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("blob directory does not exist: %s", l.path)
	}

	return nil
}

func (l *localFs) getPath(ref holtypes.BlobRef) string {
	hexHash := ref.AsHex()

	// this should yield 4 096 directories as maximum (see test file for clarification)
	return filepath.Join(
		l.path,
		hexHash[0:2],
		hexHash[2:3],
		hexHash[3:]+".blob")
}
