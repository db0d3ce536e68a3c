package validation

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// textChecker parses a whole file and returns its top-level keys when the
// format has any.
type textChecker func(data []byte) (keys []string, err error)

var textFormats = map[string]textChecker{
	"json":     checkJSON,
	"jsonl":    checkJSONL,
	"ndjson":   checkJSONL,
	"yaml":     checkYAML,
	"yml":      checkYAML,
	"toml":     checkTOML,
	"csv":      checkCSV,
	"txt":      checkText,
	"text":     checkText,
	"md":       checkText,
	"markdown": checkText,
	"srt":      checkText,
	"vtt":      checkText,
}

// binaryFormats map a declared format to the MIME type its content must be
// detected as (or inherit from).
var binaryFormats = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"odt":  "application/vnd.oasis.opendocument.text",
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"zip":  "application/zip",
}

// KnownFormat reports whether a structural checker exists for format.
func KnownFormat(format string) bool {
	f := normalizeFormat(format)
	_, text := textFormats[f]
	_, binary := binaryFormats[f]
	return text || binary
}

func normalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

func isBinaryFormat(format string) bool {
	_, ok := binaryFormats[normalizeFormat(format)]
	return ok
}

// checkBinary sniffs the content type from the file header.
func checkBinary(format string, r io.Reader) error {
	want := binaryFormats[normalizeFormat(format)]
	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(want) {
			return nil
		}
	}
	return fmt.Errorf("content is %s, not %s", detected.String(), format)
}

func checkJSON(data []byte) ([]string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return objectKeys(v), nil
}

func checkJSONL(data []byte) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line, records := 0, 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(text, &v); err != nil {
			return nil, fmt.Errorf("invalid jsonl at line %d: %w", line, err)
		}
		records++
		recordKeys := objectKeys(v)
		if records == 1 {
			keys = recordKeys
		} else {
			keys = intersect(keys, recordKeys)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("invalid jsonl: %w", err)
	}
	if records == 0 {
		return nil, errors.New("jsonl contains no records")
	}
	return keys, nil
}

func checkYAML(data []byte) ([]string, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return objectKeys(v), nil
}

func checkTOML(data []byte) ([]string, error) {
	var v map[string]any
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid toml: %w", err)
	}
	return objectKeys(v), nil
}

func checkCSV(data []byte) ([]string, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("csv has no header row")
	}
	header := make([]string, 0, len(records[0]))
	for _, col := range records[0] {
		header = append(header, strings.TrimSpace(col))
	}
	return header, nil
}

func checkText(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("not valid UTF-8 text")
	}
	return nil, nil
}

// objectKeys returns the sorted top-level keys when v is an object.
func objectKeys(v any) []string {
	var keys []string
	switch m := v.(type) {
	case map[string]any:
		for k := range m {
			keys = append(keys, k)
		}
	case map[any]any:
		for k := range m {
			keys = append(keys, fmt.Sprint(k))
		}
	}
	sort.Strings(keys)
	return keys
}

func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, k := range b {
		in[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := in[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// missingKeys returns the required keys absent from keys.
func missingKeys(required, keys []string) []string {
	have := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		have[k] = struct{}{}
	}
	var missing []string
	for _, k := range required {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

var placeholderMarkers = []string{"TODO", "TBD", "FIXME", "lorem ipsum", "{{", "}}", "[INSERT", "XXX"}

// namedChecks are the quality-check identifiers an OutputSpec may list.
var namedChecks = map[string]func(data []byte) error{
	"utf8": func(data []byte) error {
		if !utf8.Valid(data) {
			return errors.New("not valid UTF-8")
		}
		return nil
	},
	"non_empty": func(data []byte) error {
		if len(bytes.TrimSpace(data)) == 0 {
			return errors.New("content is blank")
		}
		return nil
	},
	"no_placeholders": func(data []byte) error {
		lower := strings.ToLower(string(data))
		for _, marker := range placeholderMarkers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				return fmt.Errorf("contains placeholder %q", marker)
			}
		}
		return nil
	},
	"trailing_newline": func(data []byte) error {
		if len(data) == 0 || data[len(data)-1] != '\n' {
			return errors.New("missing trailing newline")
		}
		return nil
	},
}
