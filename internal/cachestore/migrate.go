package cachestore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/replaykit/internal/imagehash"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default validation settings synthesized for upgraded legacy files.
const (
	DefaultRegionSize      = 128
	DefaultVisualThreshold = 10
)

// decodeCacheFile parses raw cache file bytes, accepting the current schema
// and the immediately prior one (a bare step array). Legacy files are
// upgraded in memory only; the file on disk is untouched until an explicit
// re-save.
func decodeCacheFile(data []byte) (*CacheFile, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptCache)
	}

	if trimmed[0] == '[' {
		return upgradeBareTrajectory(trimmed)
	}

	var file CacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCache, err)
	}
	if file.Metadata.Version == "" {
		return nil, fmt.Errorf("%w: missing schema version", ErrCorruptCache)
	}
	if newerThanCurrent(file.Metadata.Version) {
		return nil, fmt.Errorf("%w: schema %s is newer than supported %s",
			ErrCorruptCache, file.Metadata.Version, SchemaVersion)
	}
	normalize(&file)
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCache, err)
	}
	return &file, nil
}

// upgradeBareTrajectory lifts a schema-0 bare step array into the current
// schema with synthesized default metadata.
func upgradeBareTrajectory(data []byte) (*CacheFile, error) {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCache, err)
	}
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step-%d", i)
		}
		if steps[i].Input == nil {
			steps[i].Input = map[string]any{}
		}
		// The legacy format predates the cacheable flag; a recorded step
		// was by definition replayable.
		steps[i].Cacheable = true
	}

	file := &CacheFile{
		Metadata: Metadata{
			Version:         SchemaVersion,
			CreatedAt:       time.Now().UTC(),
			Attempts:        0,
			Failures:        []FailureRecord{},
			IsValid:         true,
			VisualMethod:    imagehash.MethodPHash,
			RegionSize:      DefaultRegionSize,
			VisualThreshold: DefaultVisualThreshold,
		},
		Trajectory: steps,
		Parameters: map[string]string{},
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCache, err)
	}
	return file, nil
}

// normalize fills nil collections so callers never branch on missing slices.
func normalize(f *CacheFile) {
	if f.Metadata.Failures == nil {
		f.Metadata.Failures = []FailureRecord{}
	}
	if f.Parameters == nil {
		f.Parameters = map[string]string{}
	}
	for i := range f.Trajectory {
		if f.Trajectory[i].Input == nil {
			f.Trajectory[i].Input = map[string]any{}
		}
	}
	if !f.Metadata.VisualMethod.Valid() {
		f.Metadata.VisualMethod = imagehash.MethodNone
	}
	if f.Metadata.RegionSize <= 0 {
		f.Metadata.RegionSize = DefaultRegionSize
	}
}

// newerThanCurrent compares dotted numeric versions; malformed segments are
// treated as newer so unknown formats fail closed.
func newerThanCurrent(v string) bool {
	return compareVersions(v, SchemaVersion) > 0
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		var err error
		if i < len(as) {
			if an, err = strconv.Atoi(as[i]); err != nil {
				return 1
			}
		}
		if i < len(bs) {
			if bn, err = strconv.Atoi(bs[i]); err != nil {
				return -1
			}
		}
		if an != bn {
			if an > bn {
				return 1
			}
			return -1
		}
	}
	return 0
}
