// Package loader ingests textual package records into a dependency
// graph. Input files are blank-line-separated stanzas of "Key: Value"
// lines; dependency fields hold comma-separated lists whose members may
// be "|"-separated alternatives.
package loader

import (
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/metrics"
	"github.com/23skdu/crossbow/internal/store"
	"github.com/23skdu/crossbow/internal/store/types"
)

// Loader feeds package files into a DependencyGraph and flushes the
// staging buffer whenever a completed file pushed it past the limit.
type Loader struct {
	graph *store.DependencyGraph
	log   *zap.Logger
}

// New returns a loader writing into graph.
func New(graph *store.DependencyGraph, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{graph: graph, log: log}
}

type parsedDependency struct {
	packageName            string
	versionConstraint      string
	architectureConstraint types.ArchitectureID
	group                  types.GroupID
}

func trim(s string) string {
	return strings.Trim(s, " \t\n\r\f\v")
}

// parseDependency splits one "name[:arch] [ (constraint) ]" item.
func (l *Loader) parseDependency(raw string, group types.GroupID) (parsedDependency, error) {
	item := parsedDependency{group: group}
	nameAndArch := raw
	if lpar := strings.IndexByte(raw, '('); lpar >= 0 {
		if rpar := strings.LastIndexByte(raw, ')'); rpar > lpar {
			item.versionConstraint = trim(raw[lpar+1 : rpar])
		}
		nameAndArch = raw[:lpar]
	}
	arch := "native"
	if colon := strings.IndexByte(nameAndArch, ':'); colon >= 0 {
		arch = trim(nameAndArch[colon+1:])
		nameAndArch = nameAndArch[:colon]
	}
	item.packageName = trim(nameAndArch)
	id, err := l.graph.AddArchitecture(arch)
	if err != nil {
		return parsedDependency{}, err
	}
	item.architectureConstraint = id
	return item, nil
}

// parseDependencies splits a dependency field. Every "|"-separated list
// becomes one alternative group with the next rising group id; plain
// items stay direct (group 0).
func (l *Loader) parseDependencies(raw string, group *types.GroupID) ([]parsedDependency, error) {
	var result []parsedDependency
	for _, andPart := range strings.Split(raw, ",") {
		orParts := strings.Split(andPart, "|")
		if len(orParts) > 1 {
			for _, orPart := range orParts {
				item, err := l.parseDependency(orPart, *group)
				if err != nil {
					return nil, err
				}
				result = append(result, item)
			}
			*group++
		} else {
			item, err := l.parseDependency(andPart, 0)
			if err != nil {
				return nil, err
			}
			result = append(result, item)
		}
	}
	return result, nil
}

// LoadRecords ingests a blob of stanzas.
func (l *Loader) LoadRecords(raw string) error {
	for _, stanza := range strings.Split(raw, "\n\n") {
		if trim(stanza) == "" {
			continue
		}
		kv := make(map[string]string)
		for _, line := range strings.Split(stanza, "\n") {
			if line == "" {
				continue
			}
			if pos := strings.IndexByte(line, ':'); pos >= 0 {
				kv[trim(line[:pos])] = trim(line[pos+1:])
			}
		}

		name, ok := kv["Package"]
		if !ok {
			return xerrors.NewUsageError("loader.load_records", "stanza missing Package field")
		}
		versionStr, ok := kv["Version"]
		if !ok {
			return xerrors.NewUsageError("loader.load_records", "stanza missing Version field").
				WithContext("package", name)
		}
		archStr, ok := kv["Architecture"]
		if !ok {
			return xerrors.NewUsageError("loader.load_records", "stanza missing Architecture field").
				WithContext("package", name)
		}

		pid, _, err := l.graph.CreatePackage(name)
		if err != nil {
			return err
		}
		arch, err := l.graph.AddArchitecture(archStr)
		if err != nil {
			return err
		}
		vid, _, err := l.graph.CreateVersion(pid, versionStr, arch)
		if err != nil {
			return err
		}

		group := types.GroupID(1)
		dtypes := l.graph.Disk().DependencyTypes()
		for dtid := 0; dtid < dtypes.Len(); dtid++ {
			field, ok := kv[dtypes.Get(types.DependencyTypeID(dtid))]
			if !ok {
				continue
			}
			items, err := l.parseDependencies(field, &group)
			if err != nil {
				return err
			}
			for _, item := range items {
				tpid, _, err := l.graph.CreatePackage(item.packageName)
				if err != nil {
					return err
				}
				if _, err := l.graph.CreateDependency(
					vid, tpid, item.versionConstraint,
					item.architectureConstraint, types.DependencyTypeID(dtid), item.group,
				); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// LoadFile ingests one package file, then flushes the staging buffer if
// it reached the memory limit.
func (l *Loader) LoadFile(path string) error {
	start := time.Now()
	raw, err := os.ReadFile(path)
	if err != nil {
		metrics.LoadedFilesTotal.WithLabelValues("error").Inc()
		return xerrors.WrapIOError(err, "loader.load_file", "read failed").WithContext("path", path)
	}
	if err := l.LoadRecords(string(raw)); err != nil {
		metrics.LoadedFilesTotal.WithLabelValues("error").Inc()
		return err
	}
	flushed, err := l.graph.FlushBufferIfNeeded()
	if err != nil {
		return err
	}
	metrics.LoadedFilesTotal.WithLabelValues("ok").Inc()
	l.log.Info("package file loaded",
		zap.String("path", path),
		zap.Bool("flushed", flushed),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

type datasetEntry struct {
	Path string `json:"path"`
}

// LoadDataset ingests every package file referenced by a JSON-lines
// manifest of {"path": ...} entries.
func (l *Loader) LoadDataset(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.WrapIOError(err, "loader.load_dataset", "read failed").WithContext("path", path)
	}
	var files []string
	for _, line := range strings.Split(string(raw), "\n") {
		if trim(line) == "" {
			continue
		}
		var entry datasetEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return xerrors.Wrap(err, xerrors.ErrorTypeUsage, "loader.load_dataset", "bad manifest line").
				WithContext("line", line)
		}
		files = append(files, entry.Path)
	}
	l.log.Info("loading dataset", zap.String("manifest", path), zap.Int("files", len(files)))
	for _, file := range files {
		if err := l.LoadFile(file); err != nil {
			return err
		}
	}
	return nil
}
