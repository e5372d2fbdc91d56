package viame

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pipe files that are includes rather than runnable pipelines.
var helperPipes = []string{"common_*", "*.local.pipe"}

// Category groups pipelines sharing a name prefix.
type Category struct {
	Description string     `json:"description"`
	Pipes       []Pipeline `json:"pipes"`
}

// TrainingConfigs lists the available training configurations.
type TrainingConfigs struct {
	Configs []string `json:"configs"`
	Default string   `json:"default,omitempty"`
}

// Catalog is everything runnable in an install.
type Catalog struct {
	Pipelines map[string]*Category `json:"pipelines"`
	Training  TrainingConfigs      `json:"training"`
}

// DiscoverPipelines scans configs/pipelines. detector_fish_v2.pipe becomes
// {Type: "detector", Name: "fish v2"}.
func (b *Backend) DiscoverPipelines() (*Catalog, error) {
	dir := b.pipelinePath("")
	fsys := os.DirFS(dir)

	pipes, err := doublestar.Glob(fsys, "*.pipe")
	if err != nil {
		return nil, fmt.Errorf("list pipelines in %s: %w", dir, err)
	}
	if len(pipes) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("pipelines directory: %w", statErr)
		}
	}

	cat := &Catalog{Pipelines: map[string]*Category{}}
	for _, file := range pipes {
		if isHelperPipe(file) {
			continue
		}
		p := describePipe(file)
		c, ok := cat.Pipelines[p.Type]
		if !ok {
			c = &Category{Description: p.Type + " pipelines"}
			cat.Pipelines[p.Type] = c
		}
		c.Pipes = append(c.Pipes, p)
	}
	for _, c := range cat.Pipelines {
		sort.Slice(c.Pipes, func(i, j int) bool {
			return strings.ToLower(c.Pipes[i].Name) < strings.ToLower(c.Pipes[j].Name)
		})
	}

	confs, err := doublestar.Glob(fsys, "train_*.conf")
	if err != nil {
		return nil, fmt.Errorf("list training configs: %w", err)
	}
	sort.Strings(confs)
	cat.Training.Configs = confs
	if len(confs) > 0 {
		cat.Training.Default = confs[0]
	}
	return cat, nil
}

func isHelperPipe(name string) bool {
	for _, pattern := range helperPipes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func describePipe(file string) Pipeline {
	stem := strings.TrimSuffix(file, ".pipe")
	kind, rest, ok := strings.Cut(stem, "_")
	if !ok || rest == "" {
		return Pipeline{Name: stem, Pipe: file, Type: "other"}
	}
	return Pipeline{Name: strings.ReplaceAll(rest, "_", " "), Pipe: file, Type: kind}
}

// FindPipeline looks a pipe file up by file name or by "<type> <name>".
func (c *Catalog) FindPipeline(ref string) (Pipeline, bool) {
	for _, cat := range c.Pipelines {
		for _, p := range cat.Pipes {
			if p.Pipe == ref || p.Pipe == ref+".pipe" || p.Type+" "+p.Name == ref {
				return p, true
			}
		}
	}
	return Pipeline{}, false
}
