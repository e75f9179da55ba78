// Package deploy implements staging phase 3 of §4.7: on stop, each
// ServiceDeployment selects files out of a service's working directory
// by include/exclude glob and pushes them back to its addressed
// template storage, in submission order.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/rs/zerolog"
)

// Pusher is the template-side dependency deploy needs: pushing
// collected files back to a named storage/path. *template.Registry
// satisfies this.
type Pusher interface {
	PushFiles(ctx context.Context, prefix, path string, files map[string][]byte) error
}

// Run executes every deployment against workDir's contents, in
// submission order, per §5's "deployments execute in submission
// order" + "invalid patterns are skipped silently but logged".
func Run(ctx context.Context, pusher Pusher, workDir string, deployments []types.ServiceDeployment) error {
	logger := zlogAdapter{log.WithComponent("deploy")}
	for i, d := range deployments {
		files, err := collect(logger, workDir, d)
		if err != nil {
			return fmt.Errorf("deploy: collect deployment %d: %w", i, err)
		}
		if len(files) == 0 {
			continue
		}
		if err := pusher.PushFiles(ctx, d.Template.Prefix, d.Template.Path, files); err != nil {
			return fmt.Errorf("deploy: push deployment %d: %w", i, err)
		}
	}
	return nil
}

// collect walks workDir, keeping files whose relative path matches at
// least one include pattern and no exclude pattern. An invalid glob
// pattern is logged and skipped, never treated as a fatal error.
func collect(logger logWriter, workDir string, d types.ServiceDeployment) (map[string][]byte, error) {
	includes := validPatterns(logger, d.Includes, d.CaseSensitive)
	excludes := validPatterns(logger, d.Excludes, d.CaseSensitive)
	if len(includes) == 0 {
		return nil, nil
	}

	files := make(map[string][]byte)
	err := filepath.WalkDir(workDir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, p)
		if err != nil {
			return err
		}
		matchKey := rel
		if !d.CaseSensitive {
			matchKey = strings.ToLower(rel)
		}
		if !matchesAny(includes, matchKey) || matchesAny(excludes, matchKey) {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func validPatterns(logger logWriter, patterns []string, caseSensitive bool) []string {
	var out []string
	for _, p := range patterns {
		pattern := p
		if !caseSensitive {
			pattern = strings.ToLower(pattern)
		}
		if !doublestar.ValidatePattern(pattern) {
			logger.logInvalidPattern(p)
			continue
		}
		out = append(out, pattern)
	}
	return out
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// logWriter is the minimal logging seam so collect can be unit tested
// without pulling in a real logger.
type logWriter interface {
	logInvalidPattern(pattern string)
}

type zlogAdapter struct{ logger zerolog.Logger }

func (a zlogAdapter) logInvalidPattern(pattern string) {
	a.logger.Warn().Str("pattern", pattern).Msg("skipping invalid deploy glob pattern")
}
