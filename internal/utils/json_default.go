//go:build !sonic

package utils

import "github.com/goccy/go-json"

var JSONMarshal = json.Marshal
var JSONUnmarshal = json.Unmarshal

func JSONMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
