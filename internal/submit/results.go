package submit

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/sling/internal/backend"
	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/metrics"
	"github.com/ehrlich-b/sling/internal/pattern"
	"github.com/ehrlich-b/sling/internal/storage"
)

// captureResults pulls files the job produced out of its working directory
// and into the media store. A file qualifies when it is not the program
// itself, is at least as new as the uploaded program, and matches the
// caller's patterns. Failures on individual files are collected; the rest
// of the directory is still processed.
func (s *Submitter) captureResults(ctx context.Context, be backend.Backend, job *storage.Job, patterns []string) (map[string]int64, error) {
	attrs, err := be.ListDirAttr()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", job.RemoteDirectory, err)
	}

	var script *backend.FileAttr
	for i := range attrs {
		if attrs[i].Filename == job.RemoteFilename {
			script = &attrs[i]
			break
		}
	}
	if script == nil {
		return nil, fmt.Errorf("program %s missing from %s", job.RemoteFilename, job.RemoteDirectory)
	}

	captured := make(map[string]int64)
	var errs []error
	for _, attr := range attrs {
		if attr.Filename == job.RemoteFilename {
			continue
		}
		if attr.ModTime.Before(script.ModTime) {
			continue
		}
		if !pattern.Match(attr.Filename, patterns) {
			continue
		}

		id, err := s.captureFile(ctx, be, job, attr.Filename)
		if err != nil {
			errs = append(errs, fmt.Errorf("capture %s: %w", attr.Filename, err))
			continue
		}
		captured[attr.Filename] = id
	}
	if len(errs) > 0 {
		return captured, errors.Join(errs...)
	}
	return captured, nil
}

func (s *Submitter) captureFile(ctx context.Context, be backend.Backend, job *storage.Job, filename string) (int64, error) {
	f, err := be.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	key := media.ResultKey(job.UUID, filename)
	if err := s.media.Put(ctx, key, f); err != nil {
		return 0, fmt.Errorf("store: %w", err)
	}

	result := &storage.Result{
		JobID:          job.ID,
		RemoteFilename: filename,
		LocalFile:      key,
	}
	if err := s.store.CreateResult(ctx, result); err != nil {
		return 0, fmt.Errorf("record: %w", err)
	}
	metrics.ObserveResultCaptured()
	s.log.Debug("captured result", "job_id", job.ID, "filename", filename, "key", key)
	return result.ID, nil
}
