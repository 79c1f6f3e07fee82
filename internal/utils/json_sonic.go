//go:build sonic

package utils

import "github.com/bytedance/sonic"

// ConfigStd keeps map keys sorted like encoding/json, which content-hash
// comparisons rely on.
var JSONMarshal = sonic.ConfigStd.Marshal
var JSONUnmarshal = sonic.ConfigStd.Unmarshal

func JSONMarshalIndent(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}
