package configuration

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type localConfiguration struct {
	Version Version `yaml:"version"`
	Log     struct {
		Formatter string `yaml:"formatter,omitempty"`
	} `yaml:"log"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

const testConfig = `version: "0.1"
log:
  formatter: "text"
labels:
  site: "a"`

func newLocalParser() *Parser {
	return NewParser("registry", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localConfiguration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})
}

func TestParserOverwriteField(t *testing.T) {
	t.Setenv("REGISTRY_LOG_FORMATTER", "json")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(testConfig), &config))
	require.Equal(t, "json", config.Log.Formatter)
	require.Equal(t, map[string]string{"site": "a"}, config.Labels)
}

func TestParserOverwriteMapEntry(t *testing.T) {
	t.Setenv("REGISTRY_LABELS_SITE", "b")
	t.Setenv("REGISTRY_LABELS_RACK", "r1")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(testConfig), &config))
	require.Equal(t, map[string]string{"site": "b", "rack": "r1"}, config.Labels)
}

func TestParserFillsNilMap(t *testing.T) {
	t.Setenv("REGISTRY_LABELS_SITE", "b")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(`version: "0.1"`), &config))
	require.Equal(t, map[string]string{"site": "b"}, config.Labels)
}

func TestParserUnsupportedVersion(t *testing.T) {
	var config localConfiguration
	err := newLocalParser().Parse([]byte(`version: "9.9"`), &config)
	require.ErrorContains(t, err, "unsupported version")
}

func TestVersionComponents(t *testing.T) {
	v := MajorMinorVersion(2, 7)
	require.Equal(t, Version("2.7"), v)
	require.Equal(t, uint(2), v.Major())
	require.Equal(t, uint(7), v.Minor())

	require.Equal(t, uint(1), Version("1").Major())
	require.Equal(t, uint(0), Version("1").Minor())
}

func TestParserBadOverride(t *testing.T) {
	t.Setenv("REGISTRY_LABELS", "[not, a, map")

	var config localConfiguration
	err := newLocalParser().Parse([]byte(testConfig), &config)
	require.ErrorContains(t, err, "REGISTRY_LABELS")
}
