package document

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

// numberPrec is wide enough to hold any 64-bit integer and most decimal
// literals found in metadata documents exactly.
const numberPrec = 512

// numberOf returns v as a json.Number literal when v is numeric.
func numberOf(v any) (json.Number, bool, error) {
	switch t := v.(type) {
	case json.Number:
		return t, true, nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int8:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int16:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), true, nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), true, nil
	case float32:
		n, err := floatLiteral(float64(t), 32)
		return n, true, err
	case float64:
		n, err := floatLiteral(t, 64)
		return n, true, err
	}
	return "", false, nil
}

// floatLiteral formats f the way encoding/json does.
func floatLiteral(f float64, bits int) (json.Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("unsupported number %v", f)
	}
	var data []byte
	var err error
	if bits == 32 {
		data, err = json.Marshal(float32(f))
	} else {
		data, err = json.Marshal(f)
	}
	if err != nil {
		return "", err
	}
	return json.Number(data), nil
}

// numbersEqual compares two literals by value, so 1, 1.0 and 1e0 are equal.
func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, _, errA := big.ParseFloat(string(a), 10, numberPrec, big.ToNearestEven)
	y, _, errB := big.ParseFloat(string(b), 10, numberPrec, big.ToNearestEven)
	if errA != nil || errB != nil {
		return false
	}
	return x.Cmp(y) == 0
}

func isNumber(v any) bool {
	_, ok, err := numberOf(v)
	return ok && err == nil
}

// numberComparer lets Equal treat json.Number and plain Go numbers alike.
var numberComparer = cmp.FilterValues(
	func(x, y any) bool { return isNumber(x) && isNumber(y) },
	cmp.Comparer(func(x, y any) bool {
		a, _, _ := numberOf(x)
		b, _, _ := numberOf(y)
		return numbersEqual(a, b)
	}),
)

// yamlNumber turns a literal into a scalar node so YAML output keeps the
// exact digits instead of quoting the string or rounding through float64.
func yamlNumber(n json.Number) *yaml.Node {
	tag := "!!int"
	if strings.ContainsAny(string(n), ".eE") {
		tag = "!!float"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: string(n)}
}

// toYAML copies v, replacing numbers with YAML scalar nodes.
func toYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = toYAML(e)
		}
		return out
	case Document:
		return toYAML(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toYAML(e)
		}
		return out
	}
	if n, ok, err := numberOf(v); ok && err == nil {
		return yamlNumber(n)
	}
	return v
}
