// Package convert implements the thin converters spec.md's bus-object
// layer needs: translating a raw 16-bit register word to and from the
// decimal-string MQTT payload a bus object publishes/accepts. Per spec.md
// §1's non-goals, conversion stays limited to raw words, booleans and
// signed/unsigned 16-bit integers — no engineering-unit scaling, no bit/
// flag decomposition.
package convert

import (
	"fmt"
	"strconv"
)

// Converter turns one register word into an MQTT payload and back.
type Converter interface {
	Encode(value uint16) string
	Decode(payload string) (uint16, error)
}

type rawConverter struct{}

func (rawConverter) Encode(value uint16) string { return strconv.FormatUint(uint64(value), 10) }
func (rawConverter) Decode(payload string) (uint16, error) {
	v, err := strconv.ParseUint(payload, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("convert: raw: %w", err)
	}
	return uint16(v), nil
}

type boolConverter struct{}

func (boolConverter) Encode(value uint16) string {
	if value != 0 {
		return "1"
	}
	return "0"
}
func (boolConverter) Decode(payload string) (uint16, error) {
	switch payload {
	case "1", "true", "on":
		return 1, nil
	case "0", "false", "off":
		return 0, nil
	default:
		return 0, fmt.Errorf("convert: bool: invalid payload %q", payload)
	}
}

type u16Converter struct{}

func (u16Converter) Encode(value uint16) string { return strconv.FormatUint(uint64(value), 10) }
func (u16Converter) Decode(payload string) (uint16, error) {
	v, err := strconv.ParseUint(payload, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("convert: u16: %w", err)
	}
	return uint16(v), nil
}

type i16Converter struct{}

func (i16Converter) Encode(value uint16) string {
	return strconv.FormatInt(int64(int16(value)), 10)
}
func (i16Converter) Decode(payload string) (uint16, error) {
	v, err := strconv.ParseInt(payload, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("convert: i16: %w", err)
	}
	return uint16(int16(v)), nil
}

// ByName resolves a converter name from configuration ("raw" is the
// default when name is empty).
func ByName(name string) (Converter, error) {
	switch name {
	case "", "raw":
		return rawConverter{}, nil
	case "bool":
		return boolConverter{}, nil
	case "u16":
		return u16Converter{}, nil
	case "i16":
		return i16Converter{}, nil
	default:
		return nil, fmt.Errorf("convert: unknown converter %q", name)
	}
}
