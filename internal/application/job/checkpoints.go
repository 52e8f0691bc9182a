package job

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/forgeml/forge/internal/domain/job"
)

// Checkpoint is one resolved checkpoint entry, newest-numbered first in
// listings.
type Checkpoint struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

var (
	checkpointDirRe  = regexp.MustCompile(`^checkpoint-(\d+)$`)
	adapterFileRe    = regexp.MustCompile(`(\d+)_adapters\.`)
	missingSortValue = int64(-1)
)

// checkpointSortKey extracts the numeric ordering key from a checkpoint
// entry name. Directories named checkpoint-<N> sort by N; files named
// <N>_adapters.* sort by that N; anything else sorts last.
func checkpointSortKey(name string) int64 {
	if m := checkpointDirRe.FindStringSubmatch(name); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n
		}
	}
	if m := adapterFileRe.FindStringSubmatch(name); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n
		}
	}
	return missingSortValue
}

// isCheckpointEntry filters directory entries down to checkpoint naming
// conventions.
func isCheckpointEntry(name string, isDir bool) bool {
	if isDir {
		return checkpointDirRe.MatchString(name)
	}
	return adapterFileRe.MatchString(name)
}

// checkpointCandidates derives every directory that may hold checkpoints
// for a training job: the explicit checkpoints_dir, the per-job directory,
// the legacy output_dir, and the default adaptor path.
func (s *Service) checkpointCandidates(j *job.Job, workspaceDir string) []string {
	var dirs []string
	if d := j.JobData.String(job.DataCheckpointsDir); d != "" {
		dirs = append(dirs, d)
	}
	dirs = append(dirs, filepath.Join(workspaceDir, "jobs", j.ID, "checkpoints"))
	if d := j.JobData.String(job.DataOutputDir); d != "" {
		dirs = append(dirs, d)
	}
	if model := j.JobData.String(job.DataModelName); model != "" {
		dirs = append(dirs, filepath.Join(workspaceDir, "adaptors", model))
	}
	return dirs
}

// ListCheckpoints merges every candidate directory, filters checkpoint
// entries, de-duplicates by resolved path, and sorts newest-numbered first.
// The result is deterministic for identical directory contents.
func (s *Service) ListCheckpoints(ctx context.Context, jobID, workspaceDir string) ([]Checkpoint, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return listCheckpoints(s.checkpointCandidates(j, workspaceDir)), nil
}

func listCheckpoints(dirs []string) []Checkpoint {
	seen := map[string]bool{}
	var out []Checkpoint

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !isCheckpointEntry(entry.Name(), entry.IsDir()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if resolved, err := filepath.EvalSymlinks(path); err == nil {
				path = resolved
			}
			if seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, Checkpoint{Name: entry.Name(), Path: path, IsDir: entry.IsDir()})
		}
	}

	sort.SliceStable(out, func(i, k int) bool {
		a, b := checkpointSortKey(out[i].Name), checkpointSortKey(out[k].Name)
		if a != b {
			return a > b
		}
		return out[i].Name < out[k].Name
	})
	return out
}
