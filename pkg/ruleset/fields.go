package ruleset

import (
	"fmt"
	"math"
	"strconv"

	"github.com/haolipeng/waf_detector/pkg/object"
)

func missingKey(key string) error {
	return fmt.Errorf("missing key '%s'", key)
}

func invalidType(key, expected string, got object.Kind) error {
	return fmt.Errorf("invalid type '%s' for key '%s', expected '%s'", got, key, expected)
}

func stringField(m *object.Object, key string, required bool) (string, error) {
	v, ok := m.Find(key)
	if !ok {
		if required {
			return "", missingKey(key)
		}
		return "", nil
	}
	if !v.IsString() {
		return "", invalidType(key, "string", v.Kind())
	}
	return v.StringValue(), nil
}

func boolField(m *object.Object, key string, def bool) (bool, error) {
	v, ok := m.Find(key)
	if !ok {
		return def, nil
	}
	switch v.Kind() {
	case object.KindBool:
		return v.BoolValue(), nil
	case object.KindString:
		b, err := strconv.ParseBool(v.StringValue())
		if err != nil {
			return def, invalidType(key, "bool", v.Kind())
		}
		return b, nil
	}
	return def, invalidType(key, "bool", v.Kind())
}

func intField(m *object.Object, key string, def int) (int, error) {
	v, ok := m.Find(key)
	if !ok {
		return def, nil
	}
	n, err := toUint64OrInt(v)
	if err != nil {
		return def, invalidType(key, "integer", v.Kind())
	}
	return int(n), nil
}

func toUint64OrInt(v *object.Object) (int64, error) {
	switch v.Kind() {
	case object.KindSigned:
		return v.SignedValue(), nil
	case object.KindUnsigned:
		if v.UnsignedValue() > math.MaxInt64 {
			return math.MaxInt64, nil
		}
		return int64(v.UnsignedValue()), nil
	case object.KindFloat:
		return int64(v.FloatValue()), nil
	case object.KindString:
		return strconv.ParseInt(v.StringValue(), 10, 64)
	}
	return 0, fmt.Errorf("not a number")
}

func stringList(m *object.Object, key string) ([]string, error) {
	v, ok := m.Find(key)
	if !ok {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, invalidType(key, "array", v.Kind())
	}
	list := make([]string, 0, v.Size())
	for i := 0; i < v.Size(); i++ {
		item, _ := v.Index(i)
		s, ok := item.Scalar()
		if !ok {
			return nil, invalidType(key+"[]", "string", item.Kind())
		}
		list = append(list, s)
	}
	return list, nil
}

func stringMap(m *object.Object, key string) (map[string]string, error) {
	v, ok := m.Find(key)
	if !ok {
		return nil, nil
	}
	if !v.IsMap() {
		return nil, invalidType(key, "map", v.Kind())
	}
	out := make(map[string]string, v.Size())
	for i := 0; i < v.Size(); i++ {
		item, _ := v.Index(i)
		k, _ := item.Key()
		s, ok := item.Scalar()
		if !ok {
			return nil, invalidType(key+"."+k, "string", item.Kind())
		}
		out[k] = s
	}
	return out, nil
}
