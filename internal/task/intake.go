package task

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/j5a-ops/j5a/internal/resource"
)

const maxRecordBytes = 1 << 20

// Record is one JSON Lines intake record. Field names follow the inbox format
// written by the upstream assistants: "type" is accepted as an alias of
// "domain" and "deliverables" carries the expected outputs.
type Record struct {
	ID                     string                         `json:"id" validate:"required"`
	Type                   string                         `json:"type,omitempty"`
	Domain                 string                         `json:"domain,omitempty"`
	Priority               string                         `json:"priority,omitempty"`
	Description            string                         `json:"description,omitempty"`
	Deliverables           []OutputSpec                   `json:"deliverables" validate:"required,min=1,dive"`
	SuccessCriteria        map[string]QuantitativeMeasure `json:"success_criteria" validate:"required,min=1,dive"`
	TestOracle             *TestOracle                    `json:"test_oracle" validate:"required"`
	ResourceLimits         *resource.Limits               `json:"resource_limits,omitempty"`
	ApprovedArchitectures  []string                       `json:"approved_architectures,omitempty"`
	ForbiddenPatterns      []string                       `json:"forbidden_patterns,omitempty"`
	MandatoryBase          string                         `json:"mandatory_base,omitempty"`
	RequiresPOC            bool                           `json:"requires_poc,omitempty"`
	ValidationSamples      []Sample                       `json:"validation_samples,omitempty"`
	ImplementationArtifact string                         `json:"implementation_artifact,omitempty"`
	Approach               string                         `json:"approach,omitempty"`
	RegressionTests        []string                       `json:"regression_tests,omitempty"`
	Overrides              map[string]string              `json:"overrides,omitempty"`
	Command                []string                       `json:"command,omitempty"`
	WorkDir                string                         `json:"work_dir,omitempty"`
	Payload                json.RawMessage                `json:"payload,omitempty"`
}

// DecodeRecord strictly decodes a single intake line.
func DecodeRecord(line []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if dec.More() {
		return nil, errors.New("malformed record: trailing data after JSON object")
	}
	return &rec, nil
}

// Definition converts the record into a validated Definition. Missing
// mandatory keys reject the record; nothing is defaulted except priority.
func (r *Record) Definition() (*Definition, error) {
	if err := describeValidation(structValidator().Struct(r)); err != nil {
		return nil, err
	}

	domain := strings.TrimSpace(r.Domain)
	typ := strings.TrimSpace(r.Type)
	switch {
	case domain == "" && typ == "":
		return nil, errors.New("type or domain is required")
	case domain != "" && typ != "" && domain != typ:
		return nil, fmt.Errorf("type %q and domain %q disagree", typ, domain)
	case domain == "":
		domain = typ
	}

	priority, err := ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}

	var payload Payload
	switch {
	case len(r.Payload) > 0 && string(r.Payload) != "null":
		payload, err = DecodePayload(domain, r.Payload)
		if err != nil {
			return nil, err
		}
	case HasTypedPayload(domain):
		return nil, fmt.Errorf("payload is required for domain %s", domain)
	}

	return New(Definition{
		ID:                     strings.TrimSpace(r.ID),
		Domain:                 domain,
		Priority:               priority,
		Description:            r.Description,
		ExpectedOutputs:        r.Deliverables,
		SuccessCriteria:        r.SuccessCriteria,
		TestOracle:             r.TestOracle,
		ResourceLimits:         r.ResourceLimits,
		ApprovedArchitectures:  r.ApprovedArchitectures,
		ForbiddenPatterns:      r.ForbiddenPatterns,
		MandatoryBase:          r.MandatoryBase,
		RequiresPOC:            r.RequiresPOC,
		ValidationSamples:      r.ValidationSamples,
		ImplementationArtifact: r.ImplementationArtifact,
		Approach:               r.Approach,
		RegressionTests:        r.RegressionTests,
		Overrides:              r.Overrides,
		Command:                r.Command,
		WorkDir:                r.WorkDir,
		Payload:                payload,
	})
}

// ParseJSONL reads intake records, one per line. Blank lines and lines
// starting with '#' are ignored. Each rejected record is reported with its
// line number; accepted records are returned in file order. Duplicate ids
// inside one file reject the later record.
func ParseJSONL(source string, r io.Reader) ([]*Definition, []*IntakeError) {
	var (
		defs     []*Definition
		rejected []*IntakeError
		seen     = make(map[string]int)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		rec, err := DecodeRecord(line)
		if err != nil {
			rejected = append(rejected, &IntakeError{Source: source, Line: lineNo, Err: err})
			continue
		}

		def, err := rec.Definition()
		if err != nil {
			rejected = append(rejected, &IntakeError{Source: source, Line: lineNo, TaskID: rec.ID, Err: err})
			continue
		}

		if first, dup := seen[def.ID]; dup {
			rejected = append(rejected, &IntakeError{
				Source: source,
				Line:   lineNo,
				TaskID: def.ID,
				Err:    fmt.Errorf("duplicate id (first seen on line %d)", first),
			})
			continue
		}
		seen[def.ID] = lineNo
		defs = append(defs, def)
	}

	if err := scanner.Err(); err != nil {
		rejected = append(rejected, &IntakeError{Source: source, Line: lineNo + 1, Err: fmt.Errorf("read intake: %w", err)})
	}

	return defs, rejected
}
