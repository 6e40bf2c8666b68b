// Package codec centralizes snapshot and wire encoding.
//
// Snapkv treats codec selection as a compatibility boundary: snapshot files
// written by one codec must stay readable by the codec configured at load
// time. Both built-in codecs produce standard JSON, so they are mutually
// compatible; the name mainly selects the implementation.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when none is configured.
var Default Codec = GoJSON{}
