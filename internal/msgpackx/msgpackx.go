// SPDX-License-Identifier: Apache-2.0

// Package msgpackx provides thin msgpack encode/decode helpers that wrap
// vmihailenco/msgpack/v5 errors with a package prefix. filetabledb uses
// them for its xattr maps; resourcedb encodes filter_applied with
// vmihailenco/msgpack/v5 directly, not through this package.
package msgpackx

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v to msgpack bytes.
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpackx: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes msgpack bytes into v.
func Unmarshal(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("msgpackx: unmarshal: %w", err)
	}
	return nil
}
