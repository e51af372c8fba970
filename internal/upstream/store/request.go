package store

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
)

// BodyEncoding selects how Request.Params are serialized.
type BodyEncoding int

const (
	// EncodingURL puts params in the query string for GET/DELETE/HEAD and in a
	// form-urlencoded body otherwise.
	EncodingURL BodyEncoding = iota
	EncodingJSON
	EncodingMultipart
	// EncodingRaw sends Request.Body verbatim; params go in the query string.
	EncodingRaw
)

func (e BodyEncoding) String() string {
	switch e {
	case EncodingURL:
		return "url"
	case EncodingJSON:
		return "json"
	case EncodingMultipart:
		return "multipart"
	case EncodingRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Params maps parameter names to values. A value may be a scalar, a list
// ([]string, []any, []int, []float64), a File or a []File.
type Params map[string]any

// ProgressFunc is called while a request body is sent. total is -1 when the
// body length is not known up front.
type ProgressFunc func(sent, total int64)

// Request describes one call to the store. It is built once per call.
type Request struct {
	Operation   string
	URL         string
	Method      string
	Params      Params
	Encoding    BodyEncoding
	Body        io.Reader
	ContentType string
	Raw         bool
	Progress    ProgressFunc
}

// File is a binary parameter value.
type File struct {
	Name   string
	Source BinaryFileSource
}

// FileFrom wraps a source using its own name.
func FileFrom(src BinaryFileSource) File {
	return File{Name: src.Name(), Source: src}
}

func (f File) fileName() string {
	if f.Name != "" {
		return f.Name
	}
	if f.Source != nil {
		return f.Source.Name()
	}
	return "file"
}

func (r Request) label() string {
	if r.Operation != "" {
		return r.Operation
	}
	if u, err := url.Parse(r.URL); err == nil && u.Path != "" {
		return u.Path
	}
	return "unknown"
}

type fileField struct {
	field string
	file  File
}

// flatten splits params into form values and file parts. Keys are visited
// in sorted order so requests are reproducible.
func (p Params) flatten() (url.Values, []fileField) {
	values := url.Values{}
	var files []fileField
	for _, key := range p.keys() {
		switch v := p[key].(type) {
		case nil:
		case File:
			files = append(files, fileField{field: key, file: v})
		case []File:
			for _, f := range v {
				files = append(files, fileField{field: key, file: f})
			}
		case []string:
			for _, s := range v {
				values.Add(key, s)
			}
		case []any:
			for _, item := range v {
				if s, ok := formatScalar(item); ok {
					values.Add(key, s)
				}
			}
		case []int:
			for _, n := range v {
				values.Add(key, strconv.Itoa(n))
			}
		case []float64:
			for _, f := range v {
				values.Add(key, strconv.FormatFloat(f, 'f', -1, 64))
			}
		default:
			if s, ok := formatScalar(v); ok {
				values.Add(key, s)
			}
		}
	}
	return values, files
}

func (p Params) keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Params) jsonBody() ([]byte, error) {
	for _, key := range p.keys() {
		switch p[key].(type) {
		case File, []File:
			return nil, fmt.Errorf("store: file parameter %q requires multipart encoding", key)
		}
	}
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}

func formatScalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}
