// Package extract turns files into text segments for the engine and puts
// processed segments back together.
//
// Only plain-text formats are understood: txt, log, md, xml and html are
// one segment each; csv files yield one segment per cell; json files yield
// one segment per string value (object keys are kept as-is). Anything else
// is ErrUnsupportedFormat.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat is returned for file types with no extractor.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrCorrupt is returned when a file cannot be decoded as its format.
	ErrCorrupt = errors.New("corrupt file")
	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("file too large")
)

// Format identifies how a file is segmented.
type Format string

// Supported formats.
const (
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var extensions = map[string]Format{
	".txt":  FormatText,
	".text": FormatText,
	".log":  FormatText,
	".md":   FormatText,
	".xml":  FormatText,
	".html": FormatText,
	".htm":  FormatText,
	".csv":  FormatCSV,
	".json": FormatJSON,
}

// FormatOf returns the format for a file name by extension.
func FormatOf(name string) (Format, error) {
	f, ok := extensions[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(name))
	}
	return f, nil
}

// Document is an extracted file.
type Document struct {
	Name     string
	Format   Format
	Segments []string

	assemble func(segments []string) (string, error)
}

// Assemble rebuilds the file content from processed segments, which must
// line up one-to-one with Segments.
func (d *Document) Assemble(segments []string) (string, error) {
	if len(segments) != len(d.Segments) {
		return "", fmt.Errorf("assemble %s: got %d segments, want %d", d.Name, len(segments), len(d.Segments))
	}
	return d.assemble(segments)
}

// Extractor reads files from disk.
type Extractor struct {
	maxBytes int64
}

// New returns an Extractor that rejects files larger than maxBytes.
// maxBytes <= 0 disables the limit.
func New(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes}
}

// Extract reads and segments the file at path.
func (x *Extractor) Extract(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
	}
	if x.maxBytes > 0 && info.Size() > x.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), x.maxBytes)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- caller-supplied path is the point
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(filepath.Base(path), format, data)
}

// Parse segments data already in memory.
func Parse(name string, format Format, data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrCorrupt, name)
	}
	switch format {
	case FormatText:
		return parseText(name, data), nil
	case FormatCSV:
		return parseCSV(name, data)
	case FormatJSON:
		return parseJSON(name, data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

func parseText(name string, data []byte) *Document {
	return &Document{
		Name:     name,
		Format:   FormatText,
		Segments: []string{string(data)},
		assemble: func(s []string) (string, error) { return s[0], nil },
	}
}

func parseCSV(name string, data []byte) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}

	var segments []string
	for _, rec := range records {
		segments = append(segments, rec...)
	}
	return &Document{
		Name:     name,
		Format:   FormatCSV,
		Segments: segments,
		assemble: func(s []string) (string, error) {
			var buf bytes.Buffer
			w := csv.NewWriter(&buf)
			i := 0
			for _, rec := range records {
				row := s[i : i+len(rec)]
				i += len(rec)
				if err := w.Write(row); err != nil {
					return "", err
				}
			}
			w.Flush()
			return buf.String(), w.Error()
		},
	}, nil
}

// parseJSON collects string leaves in a deterministic walk order. Object
// keys are visited sorted, matching encoding/json's output order.
func parseJSON(name string, data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: trailing data after the JSON value", ErrCorrupt, name)
	}

	var segments []string
	walkStrings(doc, func(s string) string {
		segments = append(segments, s)
		return s
	})
	return &Document{
		Name:     name,
		Format:   FormatJSON,
		Segments: segments,
		assemble: func(s []string) (string, error) {
			i := 0
			out := walkStrings(doc, func(string) string {
				v := s[i]
				i++
				return v
			})
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return "", err
			}
			return buf.String(), nil
		},
	}, nil
}

// walkStrings returns a copy of v with every string leaf replaced by fn.
func walkStrings(v any, fn func(string) string) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = walkStrings(item, fn)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = walkStrings(val[k], fn)
		}
		return out
	}
	return v
}
