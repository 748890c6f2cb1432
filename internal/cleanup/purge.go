package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Purger deletes files below configured paths, keeping any file whose name
// contains an entry of the preserve list.
type Purger struct {
	preserve []string
	dryRun   bool
	lookup   func(string) (string, bool)
	log      *zap.Logger
}

// NewPurger builds a purger. In dry-run mode it only logs.
func NewPurger(preserve []string, dryRun bool, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Purger{dryRun: dryRun, lookup: os.LookupEnv, log: logger}
	for _, name := range preserve {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			p.preserve = append(p.preserve, name)
		}
	}
	return p
}

type purgeResult struct {
	removed int
	skipped int
}

// RemoveArtifacts purges paths and returns the number of files removed.
func (p *Purger) RemoveArtifacts(ctx context.Context, paths []string) (int, error) {
	res, err := p.purge(ctx, paths)
	return res.removed, err
}

func (p *Purger) purge(ctx context.Context, paths []string) (purgeResult, error) {
	var res purgeResult
	var errs []error
	for _, raw := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		path, ok := p.expand(raw)
		if !ok {
			p.log.Debug("Skipping path with unset variable", zap.String("path", raw))
			res.skipped++
			continue
		}
		n, err := p.purgePath(ctx, path)
		res.removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// expand substitutes %VAR% and $VAR references. It reports false when any
// referenced variable is unset or empty.
func (p *Purger) expand(raw string) (string, bool) {
	ok := true
	get := func(name string) string {
		v, found := p.lookup(name)
		if !found || v == "" {
			ok = false
		}
		return v
	}

	var b strings.Builder
	rest := raw
	for {
		i := strings.IndexByte(rest, '%')
		if i < 0 {
			b.WriteString(rest)
			break
		}
		j := strings.IndexByte(rest[i+1:], '%')
		if j < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		b.WriteString(get(rest[i+1 : i+1+j]))
		rest = rest[i+j+2:]
	}
	out := os.Expand(b.String(), get)
	if !ok || strings.TrimSpace(out) == "" {
		return "", false
	}
	return filepath.Clean(filepath.FromSlash(strings.ReplaceAll(out, `\`, string(filepath.Separator)))), true
}

func (p *Purger) preserved(name string) bool {
	name = strings.ToLower(name)
	for _, keep := range p.preserve {
		if strings.Contains(name, keep) {
			return true
		}
	}
	return false
}

// purgePath removes the files below path and then any subdirectory left
// empty. The root directory itself is kept. A missing path is not an error.
func (p *Purger) purgePath(ctx context.Context, path string) (int, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", path, err)
	}

	if !info.IsDir() {
		if p.preserved(info.Name()) {
			return 0, nil
		}
		return p.remove(path)
	}

	removed := 0
	var errs []error
	var dirs []string
	walkErr := filepath.WalkDir(path, func(cur string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if cur != path {
				dirs = append(dirs, cur)
			}
			return nil
		}
		if p.preserved(d.Name()) {
			p.log.Debug("Preserved file", zap.String("path", cur))
			return nil
		}
		n, err := p.remove(cur)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}

	if !p.dryRun {
		// Deepest first so parents are empty by the time they are tried.
		sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
		for _, d := range dirs {
			_ = os.Remove(d) // fails while preserved files remain
		}
	}

	if removed > 0 {
		p.log.Info("Purged path", zap.String("path", path), zap.Int("files", removed))
	}
	return removed, errors.Join(errs...)
}

func (p *Purger) remove(path string) (int, error) {
	if p.dryRun {
		p.log.Info("[DRY-RUN] Would delete file", zap.Bool("dry_run", true), zap.String("path", path))
		return 0, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("delete %s: %w", path, err)
	}
	return 1, nil
}
