// Package dbcheck verifies an index against itself and against the local
// chunk directory. Problems are always reported; a problem is repaired
// only when the option authorizing that kind of fix is set. Corrupted
// chunk data is never repaired automatically.
package dbcheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/exclude"
	"chirri/internal/storage"
)

// Issue kinds.
const (
	KindSchema       = "schema"
	KindStatus       = "status"
	KindRefcount     = "refcount"
	KindTempFile     = "temp_file"
	KindBadName      = "bad_name"
	KindUnknownChunk = "unknown_chunk"
	KindUploadedCopy = "uploaded_copy"
	KindCorruptChunk = "corrupt_chunk"
	KindMissingChunk = "missing_chunk"
	KindBadExclude   = "bad_exclude"
)

// Options selects which problems may be fixed.
type Options struct {
	Logger logrus.FieldLogger

	RefcountFix bool // recount chunk references
	SchemaFix   bool // re-apply schema migrations
	RemoveBad   bool // delete stray files from the chunk directory
	ExcludeFix  bool // disable broken exclude rules
}

// Issue is one problem found by Check.
type Issue struct {
	Kind    string
	Subject string
	Detail  string
	Fixed   bool
}

func (i Issue) String() string {
	s := fmt.Sprintf("[%s] %s: %s", i.Kind, i.Subject, i.Detail)
	if i.Fixed {
		s += " (fixed)"
	}
	return s
}

// Report collects the issues of one Check.
type Report struct {
	Issues []Issue
}

// Clean reports whether every issue found was fixed.
func (r *Report) Clean() bool {
	for _, i := range r.Issues {
		if !i.Fixed {
			return false
		}
	}
	return true
}

// Count returns the number of issues of a kind.
func (r *Report) Count(kind string) int {
	n := 0
	for _, i := range r.Issues {
		if i.Kind == kind {
			n++
		}
	}
	return n
}

type checker struct {
	db     *storage.BunDB
	chunks *chunk.Store
	opts   Options
	log    logrus.FieldLogger
	rep    *Report
}

// Check runs every check.
func Check(ctx context.Context, db *storage.BunDB, chunks *chunk.Store, opts Options) (*Report, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &checker{db: db, chunks: chunks, opts: opts, log: opts.Logger, rep: &Report{}}
	for _, step := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"schema", c.checkSchema},
		{"refcounts", c.checkRefcounts},
		{"local chunks", c.checkLocalChunks},
		{"pending chunks", c.checkPendingChunks},
		{"excludes", c.checkExcludes},
	} {
		c.log.Infof("[Check] checking %s", step.name)
		if err := step.run(ctx); err != nil {
			return c.rep, fmt.Errorf("check %s: %w", step.name, err)
		}
	}
	return c.rep, nil
}

func (c *checker) report(kind, subject, detail string, fixed bool) {
	issue := Issue{Kind: kind, Subject: subject, Detail: detail, Fixed: fixed}
	if fixed {
		c.log.Warn("[Check] " + issue.String())
	} else {
		c.log.Error("[Check] " + issue.String())
	}
	c.rep.Issues = append(c.rep.Issues, issue)
}

func (c *checker) checkSchema(ctx context.Context) error {
	problems, err := c.db.SchemaProblems(ctx)
	if err != nil {
		return err
	}
	if len(problems) > 0 && c.opts.SchemaFix {
		if err := c.db.RepairSchema(ctx); err != nil {
			return err
		}
	}
	for _, p := range problems {
		c.report(KindSchema, "index", p, c.opts.SchemaFix)
	}

	status, err := c.db.GetInt(ctx, storage.AttrStatus)
	if err != nil {
		return err
	}
	if (status < 0 || status > 3) && status != storage.StatusReady {
		c.report(KindStatus, "index", fmt.Sprintf("unknown index status %d", status), false)
	}
	return nil
}

func (c *checker) checkRefcounts(ctx context.Context) error {
	mismatches, err := c.db.FindRefcountMismatches(ctx)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		if c.opts.RefcountFix {
			if err := c.db.FixRefcount(ctx, m.Hash, m.Actual); err != nil {
				return err
			}
		}
		c.report(KindRefcount, m.Hash,
			fmt.Sprintf("refcount is %d but %d refs point at it", m.Refcount, m.Actual), c.opts.RefcountFix)
	}
	return nil
}

// removable deletes a stray chunk directory entry when RemoveBad is set
// and reports it.
func (c *checker) removable(kind, path, detail string) error {
	fixed := false
	if c.opts.RemoveBad {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		fixed = true
	}
	c.report(kind, path, detail, fixed)
	return nil
}

func (c *checker) checkLocalChunks(ctx context.Context) error {
	entries, err := os.ReadDir(c.chunks.Dir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		path := filepath.Join(c.chunks.Dir(), name)
		if e.IsDir() {
			c.report(KindBadName, path, "unexpected directory", false)
			continue
		}
		if chunk.IsTempName(name) {
			if err := c.removable(KindTempFile, path, "leftover temporary file"); err != nil {
				return err
			}
			continue
		}
		hash, size, algo, err := chunk.ParseFilename(name)
		if err != nil {
			if err := c.removable(KindBadName, path, err.Error()); err != nil {
				return err
			}
			continue
		}
		ch, err := c.db.GetChunk(ctx, hash)
		if errors.Is(err, common.ErrChunkNotFound) {
			if err := c.removable(KindUnknownChunk, path, "not in the index"); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if ch.Size == size && ch.Compression != algo && ch.Status != storage.ChunkUploaded && !c.chunks.HasLocal(ch) {
			// the only local copy of a chunk the index still needs
			c.report(KindUnknownChunk, path,
				fmt.Sprintf("index expects %s, which is missing", chunk.Filename(ch.Hash, ch.Size, ch.Compression)), false)
			continue
		}
		if ch.Size != size || ch.Compression != algo {
			if err := c.removable(KindUnknownChunk, path,
				fmt.Sprintf("index has %s", chunk.Filename(ch.Hash, ch.Size, ch.Compression))); err != nil {
				return err
			}
			continue
		}
		if ch.Status == storage.ChunkUploaded {
			if err := c.removable(KindUploadedCopy, path, "chunk is already uploaded"); err != nil {
				return err
			}
			continue
		}
		if err := c.chunks.Verify(ch); err != nil {
			if !errors.Is(err, common.ErrCorruptChunk) {
				return err
			}
			c.report(KindCorruptChunk, path, err.Error(), false)
		}
	}
	return nil
}

func (c *checker) checkPendingChunks(ctx context.Context) error {
	chunks, err := c.db.ListChunks(ctx)
	if err != nil {
		return err
	}
	for i := range chunks {
		ch := &chunks[i]
		if ch.Status == storage.ChunkUploaded || c.chunks.HasLocal(ch) {
			continue
		}
		c.report(KindMissingChunk, ch.Hash,
			fmt.Sprintf("not uploaded and missing from %s (first seen as %s)", c.chunks.Dir(), ch.FirstSeenAs), false)
	}
	return nil
}

func (c *checker) checkExcludes(ctx context.Context) error {
	rules, err := c.db.ListExcludes(ctx)
	if err != nil {
		return err
	}
	for i := range rules {
		x := &rules[i]
		if x.Disabled {
			continue
		}
		err := exclude.Validate(*x)
		if err == nil {
			continue
		}
		if c.opts.ExcludeFix {
			x.Disabled = true
			if err := c.db.UpdateExclude(ctx, x); err != nil {
				return err
			}
		}
		c.report(KindBadExclude, fmt.Sprintf("rule %d", x.ID), err.Error(), c.opts.ExcludeFix)
	}
	return nil
}
