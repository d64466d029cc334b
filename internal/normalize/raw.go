package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Flex is a JSON scalar of unknown type kept as text. AI output is loosely
// typed: the same key may arrive as "1998cc", 1998, true or null.
type Flex struct {
	Value string
	Valid bool
}

// UnmarshalJSON accepts strings, numbers and booleans. null, objects and
// arrays leave the value invalid rather than failing the whole record.
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*f = Flex{}
	if len(b) == 0 {
		return nil
	}

	switch b[0] {
	case 'n', '{', '[':
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.Value, f.Valid = stripNUL(s), true
	default:
		f.Value, f.Valid = string(b), true
	}
	return nil
}

// Text returns the trimmed value, or "" when absent.
func (f Flex) Text() string {
	if !f.Valid {
		return ""
	}
	return strings.TrimSpace(f.Value)
}

// F is shorthand for a valid Flex holding s.
func F(s string) Flex {
	return Flex{Value: s, Valid: true}
}

// RawAttributes is one AI answer as it arrives, before any cleanup.
// Every field is optional at this stage.
type RawAttributes struct {
	Site             Flex `json:"site"`
	ID               Flex `json:"id"`
	Brand            Flex `json:"brand"`
	ModelName        Flex `json:"model_name"`
	DetailName       Flex `json:"detail_name"`
	ManufacturerCode Flex `json:"manufacturer_code"`
	EngineCC         Flex `json:"engine_cc"`
	PowerKW          Flex `json:"power_kw"`
	BatteryKWh       Flex `json:"battery_kwh"`
	Power            Flex `json:"power"`
	BodyType         Flex `json:"body_type"`
	Transmission     Flex `json:"transmission"`
	Gears            Flex `json:"gears"`
	Color            Flex `json:"color"`
	MileageEstimate  Flex `json:"mileage_estimate"`
}

// ExtractObject returns the JSON object inside the message content of one
// result line. Models sometimes wrap the object in a markdown code fence;
// that wrapper is removed. NUL characters are dropped from every string
// because Postgres refuses them in both text and jsonb.
func ExtractObject(content []byte) (json.RawMessage, error) {
	body := stripCodeFence(bytes.TrimSpace(content))
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: content is not a JSON object", ErrNotParseable)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrNotParseable)
	}
	if bytes.Contains(body, []byte(`\u0000`)) {
		clean, err := dropNULs(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotParseable, err)
		}
		body = clean
	}
	return json.RawMessage(body), nil
}

// dropNULs re-encodes body with NUL characters removed from every string
// and object key. Numbers keep their original text.
func dropNULs(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(scrubNUL(v)); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func scrubNUL(v any) any {
	switch x := v.(type) {
	case string:
		return stripNUL(x)
	case []any:
		for i := range x {
			x[i] = scrubNUL(x[i])
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[stripNUL(k)] = scrubNUL(val)
		}
		return out
	default:
		return v
	}
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// ParseRaw decodes the message content of one result line.
func ParseRaw(content []byte) (RawAttributes, error) {
	var raw RawAttributes
	body, err := ExtractObject(content)
	if err != nil {
		return raw, err
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return raw, fmt.Errorf("%w: %v", ErrNotParseable, err)
	}
	return raw, nil
}

func stripCodeFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	} else {
		return nil
	}
	b = bytes.TrimSpace(b)
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimSpace(b)
}
