// Package seed loads job definitions from a YAML file of the form
//
//	jobs:
//	  - job_id: buy-scanner
//	    cron_expr: "*/5 * * * *"
//	    queue: real.jobs.buy-scanner
//
// and applies them through the job manager.
package seed

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"jobdispatch/internal/models"
)

type File struct {
	Jobs []models.JobDefinition `yaml:"jobs"`
}

type Upserter interface {
	UpsertJob(ctx context.Context, def models.JobDefinition) (*models.Job, bool, error)
}

type Result struct {
	Created int
	Updated int
	Failed  int
}

// Load reads and parses a seed file.
func Load(path string) ([]models.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read seed file %s", path)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse seed file %s", path)
	}
	return defs, nil
}

// Parse decodes seed YAML. Unknown fields are rejected so typos surface
// instead of silently falling back to defaults.
func Parse(data []byte) ([]models.JobDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	for i, def := range f.Jobs {
		if def.JobID == "" {
			return nil, errors.Newf("jobs[%d]: job_id is required", i)
		}
	}
	return f.Jobs, nil
}

// Apply upserts every definition. It keeps going past failures and returns
// them combined.
func Apply(ctx context.Context, u Upserter, defs []models.JobDefinition, logger zerolog.Logger) (Result, error) {
	var (
		res  Result
		errs error
	)

	for _, def := range defs {
		job, created, err := u.UpsertJob(ctx, def)
		if err != nil {
			res.Failed++
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "job %s", def.JobID))
			logger.Error().Err(err).Str("job_id", def.JobID).Msg("failed to apply seed job")
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		logger.Debug().Str("job_id", job.JobID).Bool("created", created).Msg("applied seed job")
	}

	logger.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Msg("seed jobs applied")

	return res, errs
}
