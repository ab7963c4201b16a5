// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serde

import (
	"fmt"
	"reflect"
)

// TypeConverter coerces deserialized values (activity arguments, operation
// inputs) into the concrete parameter types of registered functions. It is
// codec-agnostic: anything it cannot convert directly is round-tripped
// through the configured BinarySerde.
type TypeConverter struct {
	serde BinarySerde
}

func NewTypeConverter(s BinarySerde) *TypeConverter {
	return &TypeConverter{serde: s}
}

// ConvertToType converts value into targetType. Matching and directly
// convertible types take the fast path; numeric conversions guard against
// silent precision loss; everything else goes through the serializer.
func (tc *TypeConverter) ConvertToType(value any, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}

	valueType := reflect.TypeOf(value)
	if valueType == targetType {
		return reflect.ValueOf(value), nil
	}

	if valueType.ConvertibleTo(targetType) {
		if isNumericKind(valueType.Kind()) && isNumericKind(targetType.Kind()) {
			return tc.convertNumeric(value, valueType, targetType)
		}
		return reflect.ValueOf(value).Convert(targetType), nil
	}

	// structs, maps and the like: reserialize and decode into the target
	return tc.convertViaSerializer(value, targetType)
}

// ConvertSlice converts every element of values into targetElemType.
func (tc *TypeConverter) ConvertSlice(values []any, targetElemType reflect.Type) ([]reflect.Value, error) {
	result := make([]reflect.Value, len(values))
	for i, val := range values {
		converted, err := tc.ConvertToType(val, targetElemType)
		if err != nil {
			return nil, fmt.Errorf("convert element %d: %w", i, err)
		}
		result[i] = converted
	}
	return result, nil
}

func (tc *TypeConverter) convertNumeric(value any, valueType, targetType reflect.Type) (reflect.Value, error) {
	// float to int appears whenever a JSON codec is in play; reject it when
	// the fractional part would be dropped
	if valueType.Kind() == reflect.Float32 || valueType.Kind() == reflect.Float64 {
		if isIntegerKind(targetType.Kind()) {
			f := reflect.ValueOf(value).Float()
			n := int64(f)
			if float64(n) != f {
				return reflect.Value{}, fmt.Errorf("cannot convert %v to %v without losing precision", f, targetType)
			}
			return reflect.ValueOf(n).Convert(targetType), nil
		}
	}

	if valueType.ConvertibleTo(targetType) {
		return reflect.ValueOf(value).Convert(targetType), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %v (%v) to %v", value, valueType, targetType)
}

func (tc *TypeConverter) convertViaSerializer(value any, targetType reflect.Type) (reflect.Value, error) {
	data, err := tc.serde.SerializeBinary(value)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("serialize for type conversion: %w", err)
	}

	target := reflect.New(targetType)
	if targetType.Kind() == reflect.Ptr {
		target = reflect.New(targetType.Elem())
	}
	if err := tc.serde.DeserializeBinary(data, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("deserialize into %v: %w", targetType, err)
	}
	if targetType.Kind() == reflect.Ptr {
		return target, nil
	}
	return target.Elem(), nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
