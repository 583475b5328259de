// Package payload turns raw trigger request bodies into canonical parameter sets.
//
// Bodies arrive either as JSON or as a base64 wrapper around JSON (some hosting
// front-ends re-encode bodies in transit). Every parameter is reduced to a string
// because the dispatch transport only accepts string-valued inputs; multi-select
// fields become a JSON array string.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"runrelay/internal/config"
	"runrelay/internal/domain"
)

// Encoding is the client's declared body encoding.
type Encoding string

const (
	EncodingAuto   Encoding = "auto"
	EncodingJSON   Encoding = "json"
	EncodingBase64 Encoding = "base64"
)

const inputsKey = "inputs"

// Base64 renderings of `{"`, `{ `, `{\n`, `{\r` and `{\t`.
var base64Signatures = []string{"eyJ", "eyA", "ewo", "ew0", "ewk"}

// ParseEncoding maps a header value to an Encoding; empty means auto.
func ParseEncoding(v string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(EncodingAuto):
		return EncodingAuto, nil
	case string(EncodingJSON):
		return EncodingJSON, nil
	case string(EncodingBase64):
		return EncodingBase64, nil
	default:
		return "", &MalformedError{Reason: fmt.Sprintf("unsupported payload encoding %q", v)}
	}
}

// MalformedError means the body could not be decoded or has the wrong shape.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// MissingParameterError means a required parameter is absent or empty.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return "missing required parameter: " + e.Name
}

// UnknownParameterError lists keys outside the allow-list under the reject policy.
type UnknownParameterError struct {
	Names []string
}

func (e *UnknownParameterError) Error() string {
	return "unknown parameters: " + strings.Join(e.Names, ", ")
}

// Normalizer validates bodies against a fixed parameter allow-list.
type Normalizer struct {
	required      string
	contactField  string
	rejectUnknown bool
	allowed       map[string]struct{}
	multi         map[string]struct{}
	multiOrder    []string
	logger        *slog.Logger
}

// New builds a Normalizer from the parameters section of the config.
func New(p config.Parameters, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{
		required:      p.Required,
		contactField:  p.ContactField,
		rejectUnknown: p.UnknownKeys == config.UnknownKeysReject,
		allowed:       make(map[string]struct{}, len(p.Allowed)),
		multi:         make(map[string]struct{}, len(p.MultiSelect)),
		logger:        logger,
	}
	for _, k := range p.Allowed {
		n.allowed[k] = struct{}{}
	}
	for _, k := range p.MultiSelect {
		n.multi[k] = struct{}{}
		n.multiOrder = append(n.multiOrder, k)
	}
	return n
}

// Normalize decodes raw into a Submission. It performs no I/O.
func (n *Normalizer) Normalize(raw []byte, hint Encoding) (domain.Submission, error) {
	doc, err := decodeDocument(raw, hint)
	if err != nil {
		return domain.Submission{}, err
	}

	var unknown []string
	for k := range doc {
		if k != inputsKey && k != n.contactField {
			unknown = append(unknown, k)
		}
	}

	inputsRaw, ok := doc[inputsKey]
	if !ok || inputsRaw == nil {
		return domain.Submission{}, &MissingParameterError{Name: n.required}
	}
	inputs, ok := inputsRaw.(map[string]any)
	if !ok {
		return domain.Submission{}, &MalformedError{Reason: "inputs must be an object"}
	}

	contact, err := n.extractContact(doc, inputs)
	if err != nil {
		return domain.Submission{}, err
	}

	jobKind, err := scalarString(inputs[n.required])
	if err != nil {
		return domain.Submission{}, &MalformedError{Reason: fmt.Sprintf("parameter %s", n.required), Err: err}
	}
	if strings.TrimSpace(jobKind) == "" {
		return domain.Submission{}, &MissingParameterError{Name: n.required}
	}

	for k := range inputs {
		if _, ok := n.allowed[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	if len(unknown) > 0 {
		if n.rejectUnknown {
			return domain.Submission{}, &UnknownParameterError{Names: unknown}
		}
		n.logger.Warn("dropping unknown parameters", "keys", unknown)
	}

	values := make(map[string]string, len(inputs)+len(n.multi))
	for k, v := range inputs {
		if _, ok := n.allowed[k]; !ok {
			continue
		}
		if _, ok := n.multi[k]; ok {
			s, err := canonicalSequence(v)
			if err != nil {
				return domain.Submission{}, &MalformedError{Reason: fmt.Sprintf("parameter %s", k), Err: err}
			}
			values[k] = s
			continue
		}
		if v == nil {
			continue
		}
		s, err := scalarString(v)
		if err != nil {
			return domain.Submission{}, &MalformedError{Reason: fmt.Sprintf("parameter %s", k), Err: err}
		}
		values[k] = s
	}
	for _, k := range n.multiOrder {
		if _, ok := values[k]; !ok {
			values[k] = emptySequence
		}
	}

	return domain.Submission{
		Params:  domain.NewParameterSet(values),
		Contact: contact,
		Dropped: unknown,
	}, nil
}

// extractContact pulls the contact address from the top level, falling back to the
// inputs object, and always removes it from inputs.
func (n *Normalizer) extractContact(doc, inputs map[string]any) (string, error) {
	if n.contactField == "" {
		return "", nil
	}
	nested, hasNested := inputs[n.contactField]
	delete(inputs, n.contactField)
	v, ok := doc[n.contactField]
	if !ok || v == nil {
		if !hasNested || nested == nil {
			return "", nil
		}
		v = nested
	}
	s, ok := v.(string)
	if !ok {
		return "", &MalformedError{Reason: n.contactField + " must be a string"}
	}
	return strings.TrimSpace(s), nil
}

func decodeDocument(raw []byte, hint Encoding) (map[string]any, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return nil, &MalformedError{Reason: "missing request body"}
	}
	switch hint {
	case EncodingJSON:
		return parseObject(body)
	case EncodingBase64:
		return parseBase64(body)
	}
	primary, secondary := parseObject, parseBase64
	if hasBase64Signature(body) {
		primary, secondary = parseBase64, parseObject
	}
	doc, err := primary(body)
	if err == nil {
		return doc, nil
	}
	if doc, err2 := secondary(body); err2 == nil {
		return doc, nil
	}
	return nil, err
}

func hasBase64Signature(body []byte) bool {
	for _, sig := range base64Signatures {
		if bytes.HasPrefix(body, []byte(sig)) {
			return true
		}
	}
	return false
}

func parseBase64(body []byte) (map[string]any, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, string(body))
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(compact)
		if err != nil {
			lastErr = err
			continue
		}
		return parseObject(bytes.TrimSpace(decoded))
	}
	return nil, &MalformedError{Reason: "invalid base64 body", Err: lastErr}
}

func parseObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON body", Err: err}
	}
	if doc == nil {
		return nil, &MalformedError{Reason: "body must be a JSON object"}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &MalformedError{Reason: "trailing data after JSON body"}
	}
	return doc, nil
}

var errNotScalar = errors.New("must be a string, number or boolean")

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", errNotScalar
	}
}

const emptySequence = "[]"

// canonicalSequence coerces a multi-select value into a JSON array string.
func canonicalSequence(v any) (string, error) {
	items := []string{}
	switch t := v.(type) {
	case nil:
	case []any:
		for i, el := range t {
			if el == nil {
				continue
			}
			s, err := scalarString(el)
			if err != nil {
				return "", fmt.Errorf("element %d %w", i, err)
			}
			items = append(items, s)
		}
	case string:
		trimmed := strings.TrimSpace(t)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "["):
			dec := json.NewDecoder(strings.NewReader(trimmed))
			dec.UseNumber()
			var nested []any
			if err := dec.Decode(&nested); err != nil {
				return "", fmt.Errorf("invalid array string: %w", err)
			}
			return canonicalSequence(nested)
		default:
			items = append(items, t)
		}
	default:
		s, err := scalarString(t)
		if err != nil {
			return "", err
		}
		items = append(items, s)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
