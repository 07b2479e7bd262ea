package templates

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/privatedb/agent/pkg/contracts"
)

// ParamError reports a single parameter validation failure using the
// pipeline's execution error codes.
type ParamError struct {
	Code    string
	Param   string
	Message string
	Allowed []string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Param, e.Message)
}

// ValidateParams checks params against the template schema and returns the
// normalized parameter map: defaults filled in, addresses lowercased, dates
// rewritten to UTC RFC 3339.
func ValidateParams(t *Template, params map[string]any) (map[string]any, *ParamError) {
	if params == nil {
		params = map[string]any{}
	}
	allowed := t.ParamNames()
	for name := range params {
		if !contains(allowed, name) {
			return nil, &ParamError{
				Code:    contracts.CodeUnknownParam,
				Param:   name,
				Message: fmt.Sprintf("unknown parameter %q", name),
				Allowed: allowed,
			}
		}
	}

	normalized := make(map[string]any, len(t.Params))
	for _, spec := range t.Params {
		raw, present := params[spec.Name]
		if !present {
			if spec.Required {
				return nil, &ParamError{
					Code:    contracts.CodeMissingParam,
					Param:   spec.Name,
					Message: fmt.Sprintf("required parameter %q is missing", spec.Name),
				}
			}
			normalized[spec.Name] = spec.Default
			continue
		}
		value, perr := normalizeParam(spec, raw)
		if perr != nil {
			return nil, perr
		}
		normalized[spec.Name] = value
	}
	return normalized, nil
}

func normalizeParam(spec ParamSpec, raw any) (any, *ParamError) {
	switch spec.Kind {
	case KindInteger:
		n, ok := asInt64(raw)
		if !ok {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamType,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be an integer", spec.Name),
			}
		}
		if n < spec.Min || n > spec.Max {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamRange,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be between %d and %d", spec.Name, spec.Min, spec.Max),
			}
		}
		return n, nil

	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamType,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be a string", spec.Name),
			}
		}
		if len(s) < spec.MinLen || (spec.MaxLen > 0 && len(s) > spec.MaxLen) {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamLength,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q length must be between %d and %d", spec.Name, spec.MinLen, spec.MaxLen),
			}
		}
		return s, nil

	case KindAddress:
		s, ok := raw.(string)
		if !ok {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamType,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be a string address", spec.Name),
			}
		}
		addr, err := normalizeAddress(s)
		if err != nil {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamFormat,
				Param:   spec.Name,
				Message: err.Error(),
			}
		}
		return addr, nil

	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamType,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be a string", spec.Name),
			}
		}
		if !contains(spec.Enum, s) {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamValue,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be one of %v", spec.Name, spec.Enum),
				Allowed: spec.Enum,
			}
		}
		return s, nil

	case KindISODate:
		s, ok := raw.(string)
		if !ok {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamType,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q must be an ISO-8601 string", spec.Name),
			}
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, &ParamError{
				Code:    contracts.CodeInvalidParamFormat,
				Param:   spec.Name,
				Message: fmt.Sprintf("parameter %q is not a valid ISO-8601 timestamp", spec.Name),
			}
		}
		return ts.UTC().Format(time.RFC3339), nil

	default:
		return nil, &ParamError{
			Code:    contracts.CodeInvalidParamType,
			Param:   spec.Name,
			Message: fmt.Sprintf("parameter %q has unknown kind %q", spec.Name, spec.Kind),
		}
	}
}

// normalizeAddress accepts lowercase, uppercase, or EIP-55 checksummed hex
// addresses and returns the canonical lowercase form. A mixed-case address
// with a wrong checksum is rejected.
func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%q is not a valid EVM address", s)
	}
	hexPart := strings.TrimPrefix(s, "0x")
	lower := strings.ToLower(hexPart)
	upper := strings.ToUpper(hexPart)
	if hexPart != lower && hexPart != upper {
		// Mixed case: must be a valid EIP-55 checksum.
		if common.HexToAddress(s).Hex() != "0x"+hexPart {
			return "", fmt.Errorf("%q fails EIP-55 checksum", s)
		}
	}
	return "0x" + lower, nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
