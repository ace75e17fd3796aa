package configuration

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the "major.minor" schema version a configuration file
// declares. Minor bumps only add fields.
type Version string

// MajorMinorVersion formats major and minor as a Version.
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) part(i int) (uint, error) {
	parts := strings.SplitN(string(version), ".", 2)
	if i >= len(parts) {
		return 0, fmt.Errorf("version %q has no component %d", version, i)
	}
	n, err := strconv.ParseUint(parts[i], 10, 0)
	return uint(n), err
}

// Major returns the major component, or zero when it does not parse.
func (version Version) Major() uint {
	n, _ := version.part(0)
	return n
}

// Minor returns the minor component, or zero when it does not parse.
func (version Version) Minor() uint {
	n, _ := version.part(1)
	return n
}

// VersionedParseInfo tells a Parser how to read one schema version and lift
// it to the current Configuration.
type VersionedParseInfo struct {
	Version Version
	// ParseAs is the struct a document of Version is decoded into.
	ParseAs reflect.Type
	// ConversionFunc turns a *ParseAs into the current configuration.
	ConversionFunc func(interface{}) (interface{}, error)
}

// Parser decodes versioned YAML and applies overrides from environment
// variables named after the field path: with prefix "registry",
// REGISTRY_LOG_LEVEL replaces log.level and REGISTRY_STORAGE_S3_REGION
// sets the "region" key of the s3 storage map.
type Parser struct {
	prefix   string
	versions map[Version]VersionedParseInfo
	env      map[string]string
}

// NewParser snapshots the process environment and returns a Parser for the
// given schema versions.
func NewParser(prefix string, parseInfos []VersionedParseInfo) *Parser {
	p := &Parser{
		prefix:   prefix,
		versions: make(map[Version]VersionedParseInfo, len(parseInfos)),
		env:      make(map[string]string),
	}
	for _, info := range parseInfos {
		p.versions[info.Version] = info
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			p.env[k] = v
		}
	}
	return p
}

// Parse decodes in according to its declared version, applies environment
// overrides and stores the converted result in v, which must be a pointer.
// The version field itself cannot be overridden.
func (p *Parser) Parse(in []byte, v interface{}) error {
	var header struct {
		Version Version
	}
	if err := yaml.Unmarshal(in, &header); err != nil {
		return fmt.Errorf("reading configuration version: %w", err)
	}

	info, ok := p.versions[header.Version]
	if !ok {
		return fmt.Errorf("unsupported version: %q", header.Version)
	}

	parsed := reflect.New(info.ParseAs)
	if err := yaml.Unmarshal(in, parsed.Interface()); err != nil {
		return err
	}
	if err := p.overwriteFields(parsed, p.prefix); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	converted, err := info.ConversionFunc(parsed.Interface())
	if err != nil {
		return err
	}
	reflect.ValueOf(v).Elem().Set(reflect.Indirect(reflect.ValueOf(converted)))
	return nil
}

// overwriteFields walks struct fields, replacing any whose environment name
// is set and descending into the rest.
func (p *Parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		v = reflect.Indirect(v)
	}

	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			name := strings.ToUpper(prefix + "_" + field.Name)
			if raw, ok := p.env[name]; ok {
				value := reflect.New(field.Type)
				if err := yaml.Unmarshal([]byte(raw), value.Interface()); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				v.Field(i).Set(reflect.Indirect(value))
			}
			if err := p.overwriteFields(v.Field(i), name); err != nil {
				return err
			}
		}
	case reflect.Map:
		return p.overwriteMap(v, prefix)
	}
	return nil
}

// overwriteMap recurses into existing entries of m and adds or replaces the
// entries named by PREFIX_<KEY> variables.
func (p *Parser) overwriteMap(m reflect.Value, prefix string) error {
	switch m.Type().Elem().Kind() {
	case reflect.Struct:
		for _, k := range m.MapKeys() {
			if err := p.overwriteFields(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, k := range m.MapKeys() {
			if err := p.overwriteMap(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
		return nil
	}
	return p.setMapEntries(m, prefix)
}

func (p *Parser) setMapEntries(m reflect.Value, prefix string) error {
	keyPattern, err := regexp.Compile("^" + regexp.QuoteMeta(strings.ToUpper(prefix)) + "_([A-Z0-9]+)$")
	if err != nil {
		return err
	}

	for name, raw := range p.env {
		match := keyPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		value := reflect.New(m.Type().Elem())
		if err := yaml.Unmarshal([]byte(raw), value.Interface()); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if m.IsNil() {
			if !m.CanSet() {
				continue
			}
			m.Set(reflect.MakeMap(m.Type()))
		}
		m.SetMapIndex(reflect.ValueOf(strings.ToLower(match[1])), reflect.Indirect(value))
	}
	return nil
}
