// Package hashfeed provides an info provider backed by a local CSV hash feed.
//
// Each record is "sha256,md5,sha1,family" followed by optional extra columns. Lines
// starting with '#' are ignored. A first record whose first field is "sha256" is a
// header and names the extra columns. Feeds ending in .gz or .zst are decompressed.
package hashfeed

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the provider.
const Type = "hashfeed"

const fixedColumns = 4

// Definition is the runbook entry of a hash feed provider.
type Definition struct {
	// Feed is the path of the CSV file.
	Feed string `yaml:"feed" validate:"required"`
}

type record struct {
	family string
	extra  json.RawMessage
}

// Provider answers sample info lookups from an in-memory index of the feed.
type Provider struct {
	plugin.Info
	bySHA256 map[string]*record
	bySHA1   map[string]*record
	byMD5    map[string]*record
}

// New loads the feed named by the runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.InfoProvider, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}

	p := &Provider{
		Info: plugin.Info{
			PluginName:        spec.DisplayName(fmt.Sprintf("Hash feed (%s)", filepath.Base(def.Feed))),
			PluginDescription: "Looks up malware families in a local hash feed.",
			PluginVersion:     "1.0.0",
		},
		bySHA256: make(map[string]*record),
		bySHA1:   make(map[string]*record),
		byMD5:    make(map[string]*record),
	}
	if err := p.load(def.Feed, env.Logger); err != nil {
		return nil, err
	}
	return p, nil
}

// SampleInfoByHash looks the sample up by SHA-256, then SHA-1, then MD5.
func (p *Provider) SampleInfoByHash(_ context.Context, lookup plugin.HashLookup) (*plugin.SampleInfo, error) {
	rec := p.bySHA256[strings.ToLower(lookup(plugin.HashSHA256))]
	if rec == nil {
		rec = p.bySHA1[strings.ToLower(lookup(plugin.HashSHA1))]
	}
	if rec == nil {
		rec = p.byMD5[strings.ToLower(lookup(plugin.HashMD5))]
	}
	if rec == nil {
		return nil, nil
	}

	matched := true
	return &plugin.SampleInfo{
		HashMatched:   &matched,
		MalwareFamily: rec.family,
		ExtraInfo:     rec.extra,
	}, nil
}

func (p *Provider) load(path string, logger zerolog.Logger) error {
	r, err := openFeed(path)
	if err != nil {
		return err
	}
	defer r.Close()

	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var header []string
	for n := 1; ; n++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read feed %s: %w", path, err)
		}
		if n == 1 && strings.EqualFold(fields[0], "sha256") {
			header = append([]string(nil), fields...)
			continue
		}
		if len(fields) < fixedColumns {
			logger.Warn().Str("feed", path).Int("record", n).Msg("Skipping short feed record")
			continue
		}

		rec := &record{family: fields[3]}
		if len(fields) > fixedColumns {
			extra := make(map[string]string, len(fields)-fixedColumns)
			for i := fixedColumns; i < len(fields); i++ {
				extra[columnName(header, i)] = fields[i]
			}
			if rec.extra, err = json.Marshal(extra); err != nil {
				return err
			}
		}
		p.index(p.bySHA256, fields[0], rec)
		p.index(p.byMD5, fields[1], rec)
		p.index(p.bySHA1, fields[2], rec)
	}

	logger.Debug().Str("feed", path).Int("records", len(p.bySHA256)).Msg("Hash feed loaded")
	return nil
}

func (p *Provider) index(m map[string]*record, hash string, rec *record) {
	if hash = strings.ToLower(strings.TrimSpace(hash)); hash != "" {
		m[hash] = rec
	}
}

func columnName(header []string, i int) string {
	if i < len(header) && header[i] != "" {
		return header[i]
	}
	return fmt.Sprintf("column%d", i+1)
}

// openFeed opens path and decompresses it according to its extension.
func openFeed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	default:
		return f, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }
