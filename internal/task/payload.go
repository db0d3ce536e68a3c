package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Known domains with a typed payload.
const (
	DomainAudio    = "audio_processing"
	DomainDocument = "document_processing"
	DomainResearch = "research"
)

// Payload is the domain-specific part of a task. The concrete type is selected
// by the task's domain.
type Payload interface {
	Domain() string
}

// AudioPayload describes a transcription or audio batch job.
type AudioPayload struct {
	Inputs   []string `json:"inputs" validate:"required,min=1,dive,required"`
	Model    string   `json:"model,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Domain implements Payload.
func (AudioPayload) Domain() string { return DomainAudio }

// DocumentPayload describes a document generation job.
type DocumentPayload struct {
	Template string            `json:"template" validate:"required"`
	Format   string            `json:"format,omitempty" validate:"omitempty,oneof=docx pdf odt md html"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Domain implements Payload.
func (DocumentPayload) Domain() string { return DomainDocument }

// ResearchPayload describes an evidence/research pipeline job.
type ResearchPayload struct {
	Query   string   `json:"query" validate:"required"`
	Sources []string `json:"sources,omitempty" validate:"omitempty,dive,required"`
	Depth   int      `json:"depth,omitempty" validate:"gte=0,lte=10"`
}

// Domain implements Payload.
func (ResearchPayload) Domain() string { return DomainResearch }

// GenericPayload carries free-form parameters for domains without a schema.
type GenericPayload struct {
	Params map[string]any `json:"params,omitempty"`
	domain string
}

// Domain implements Payload.
func (p GenericPayload) Domain() string { return p.domain }

// MarshalJSON writes the params object directly so it decodes back unchanged.
func (p GenericPayload) MarshalJSON() ([]byte, error) {
	if p.Params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Params)
}

func isGeneric(p Payload) bool {
	_, ok := p.(GenericPayload)
	return ok
}

var payloadFactories = map[string]func() Payload{
	DomainAudio:    func() Payload { return &AudioPayload{} },
	DomainDocument: func() Payload { return &DocumentPayload{} },
	DomainResearch: func() Payload { return &ResearchPayload{} },
}

// HasTypedPayload reports whether domain has a registered payload schema.
func HasTypedPayload(domain string) bool {
	_, ok := payloadFactories[domain]
	return ok
}

// DecodePayload strictly decodes raw into the payload type registered for
// domain. Unknown fields are rejected. Domains without a schema decode into a
// GenericPayload.
func DecodePayload(domain string, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[domain]
	if !ok {
		var generic GenericPayload
		if err := json.Unmarshal(raw, &generic.Params); err != nil {
			return nil, fmt.Errorf("payload for domain %s: %w", domain, err)
		}
		generic.domain = domain
		return generic, nil
	}

	target := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("payload for domain %s: %w", domain, err)
	}

	// Store values, not pointers, so payloads compare and copy cleanly.
	payload := reflect.ValueOf(target).Elem().Interface().(Payload)
	if err := validatePayload(payload); err != nil {
		return nil, fmt.Errorf("payload for domain %s: %w", domain, err)
	}
	return payload, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func validatePayload(p Payload) error {
	if isGeneric(p) {
		return nil
	}
	return describeValidation(structValidator().Struct(p))
}

// describeValidation flattens validator errors into one readable error.
func describeValidation(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s needs at least %s entries", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
