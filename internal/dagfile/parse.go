package dagfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/swarmguard/cis-core/internal/cerr"
)

// Format names one of the three accepted serializations.
type Format string

const (
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Parse decodes raw into a Definition using format, rejecting any field not
// named in Definition/TaskDef/LevelDef/PolicyDef. All three formats share
// this one post-parse shape, so a caller never branches on format again
// once Parse returns.
func Parse(format Format, raw []byte) (Definition, error) {
	switch format {
	case FormatTOML:
		return parseTOML(raw)
	case FormatJSON:
		return parseJSON(raw)
	case FormatYAML:
		return parseYAML(raw)
	default:
		return Definition{}, cerr.New(cerr.KindValidation, "unsupported dag definition format %q", format)
	}
}

func parseTOML(raw []byte) (Definition, error) {
	var def Definition
	meta, err := toml.Decode(string(raw), &def)
	if err != nil {
		return Definition{}, cerr.Wrap(cerr.KindValidation, err, "decode toml dag definition")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Definition{}, cerr.New(cerr.KindValidation, "unknown field(s) in dag definition: %v", undecoded)
	}
	return def, nil
}

func parseJSON(raw []byte) (Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return Definition{}, cerr.Wrap(cerr.KindValidation, err, "decode json dag definition")
	}
	return def, nil
}

func parseYAML(raw []byte) (Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return Definition{}, cerr.Wrap(cerr.KindValidation, err, "decode yaml dag definition")
	}
	return def, nil
}

// DetectFormat guesses a Format from a file extension (without the dot),
// used by CLI entrypoints that accept any of the three by file suffix.
func DetectFormat(ext string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "toml":
		return FormatTOML, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("dagfile: unrecognized extension %q", ext)
	}
}
