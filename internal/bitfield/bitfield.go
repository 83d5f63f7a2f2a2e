// Package bitfield packs and unpacks annotated struct fields into a single
// integer word. It is a trimmed adaptation of the kernel's own bitfield
// helper (itself modeled on golang.org/x/text/internal/gen/bitfield), used
// here for process flag words (proc.Flags) and virtio feature bits
// (virtq.FeatureBits), where reading the packed value as a named struct is
// worth more than shaving cycles.
//
// Page-table descriptor construction in internal/mmu does not use this
// package: reflection allocates, which is not appropriate deep in a critical
// section. The mmu codecs (arm32.go, arm64.go) OR together plain untyped bit
// constants instead.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config controls packing behavior.
type Config struct {
	// NumBits bounds the total width of the packed word. Zero means
	// unbounded (checked only against the uint64 carrier).
	NumBits uint
}

// Pack packs the tagged fields of the struct pointed to by x into a single
// word, most significant tagged field last. Only fields tagged `bitfield:",N"`
// participate; untagged fields are ignored.
func Pack(x interface{}, c *Config) (uint64, error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expects a struct, got %v", v.Kind())
	}

	t := v.Type()
	var packed uint64
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		var fieldBits uint64
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fv.Uint()
		default:
			return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: total width %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it writes the tagged fields of the struct
// pointed to by x from packed, in the same field order Pack used.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expects a pointer to struct")
	}
	v = v.Elem()
	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		mask := uint64(1)<<bits - 1
		value := (packed >> bitOffset) & mask
		bitOffset += bits

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(value != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(value)
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), field.Name)
		}
	}
	return nil
}
