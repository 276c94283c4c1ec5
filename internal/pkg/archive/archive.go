package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/minio/minio-go/v7"
)

// Filer is object storage
type Filer interface {
	SaveFile(ctx context.Context, name string, r io.Reader) error
	Clean(ctx context.Context, id string) error
}

// TranscriptionLister lists jobs of the call
type TranscriptionLister interface {
	ListCallTranscriptions(ctx context.Context, callID int64) ([]*persistence.Transcription, error)
}

// Saver stores transcript texts
type Saver struct {
	filer Filer
}

// NewSaver creates Saver
func NewSaver(filer Filer) (*Saver, error) {
	if filer == nil {
		return nil, fmt.Errorf("no filer")
	}
	return &Saver{filer: filer}, nil
}

// Save puts the text under name
func (s *Saver) Save(ctx context.Context, name, text string) error {
	if err := s.filer.SaveFile(ctx, name, strings.NewReader(text)); err != nil {
		return fmt.Errorf("can't archive %s: %w", name, err)
	}
	goapp.Log.Debug().Str("name", name).Int("len", len(text)).Msg("archived")
	return nil
}

// Cleaner removes archived transcripts of a call
type Cleaner struct {
	db    TranscriptionLister
	filer Filer
}

// NewCleaner creates Cleaner
func NewCleaner(db TranscriptionLister, filer Filer) (*Cleaner, error) {
	if db == nil {
		return nil, fmt.Errorf("no db")
	}
	if filer == nil {
		return nil, fmt.Errorf("no filer")
	}
	return &Cleaner{db: db, filer: filer}, nil
}

// Clean deletes the objects of every job of the call, id is the call id.
// Must run before the call records are deleted
func (c *Cleaner) Clean(ctx context.Context, id string) error {
	callID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("wrong call id '%s': %w", id, err)
	}
	jobs, err := c.db.ListCallTranscriptions(ctx, callID)
	if err != nil {
		return fmt.Errorf("can't list transcriptions: %w", err)
	}
	for _, j := range jobs {
		jobID := strconv.FormatInt(j.ID, 10)
		if err := c.filer.Clean(ctx, jobID); err != nil && !IsNotFound(err) {
			return fmt.Errorf("can't clean archive %s: %w", jobID, err)
		}
	}
	goapp.Log.Info().Str("ID", id).Int("jobs", len(jobs)).Msg("archive cleaned")
	return nil
}

// IsNotFound returns true for object storage not found error
func IsNotFound(err error) bool {
	var errTest minio.ErrorResponse
	return errors.As(err, &errTest) && errTest.StatusCode == http.StatusNotFound
}
