package configuration

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v2"
)

// configStruct is a canonical example configuration, which should map to configYamlV0_1
var configStruct = Configuration{
	Version: "0.1",
	Log: Log{
		Level:     "info",
		Formatter: "json",
		Fields:    map[string]interface{}{"environment": "test"},
	},
	Storage: Storage{
		"somedriver": Parameters{
			"string1": "string-value1",
			"string2": "string-value2",
			"bool1":   true,
			"bool2":   false,
			"nil1":    nil,
			"int1":    42,
			"url1":    "https://foo.example.com",
			"path1":   "/some-path",
		},
	},
	Notifications: Notifications{
		Endpoints: []Endpoint{
			{
				Name: "endpoint-1",
				URL:  "http://example.com",
				Headers: http.Header{
					"Authorization": []string{"Bearer <example>"},
				},
				Ignore: Ignore{
					Actions: []string{"pull"},
				},
			},
		},
	},
	HTTP: HTTP{
		Addr: ":5000",
		Headers: http.Header{
			"X-Content-Type-Options": []string{"nosniff"},
		},
	},
	Redis: Redis{
		Addrs:        []string{"localhost:6379"},
		Password:     "123456",
		DB:           1,
		DialTimeout:  time.Millisecond * 10,
		ReadTimeout:  time.Millisecond * 10,
		WriteTimeout: time.Millisecond * 10,
	},
	Images: Images{
		SkipVerify: true,
	},
	Chunking: Chunking{
		Policy: "fixed",
		Size:   1048576,
	},
}

// configYamlV0_1 is a Version 0.1 yaml document representing configStruct
const configYamlV0_1 = `
version: 0.1
log:
  level: info
  formatter: json
  fields:
    environment: test
storage:
  somedriver:
    string1: string-value1
    string2: string-value2
    bool1: true
    bool2: false
    nil1: ~
    int1: 42
    url1: "https://foo.example.com"
    path1: "/some-path"
notifications:
  endpoints:
    - name: endpoint-1
      url:  http://example.com
      headers:
        Authorization: [Bearer <example>]
      ignore:
        actions:
           - pull
http:
  addr: :5000
  headers:
    X-Content-Type-Options: [nosniff]
redis:
  addrs: ["localhost:6379"]
  password: 123456
  db: 1
  dialtimeout: 10ms
  readtimeout: 10ms
  writetimeout: 10ms
images:
  skipverify: true
chunking:
  policy: fixed
  size: 1048576
`

// inmemoryConfigYamlV0_1 is a Version 0.1 yaml document specifying an inmemory
// storage driver with no parameters
const inmemoryConfigYamlV0_1 = `
version: 0.1
log:
  level: info
  formatter: json
storage: inmemory
notifications:
  endpoints:
    - name: endpoint-1
      url:  http://example.com
      headers:
        Authorization: [Bearer <example>]
      ignore:
        actions:
           - pull
http:
  addr: :5000
  headers:
    X-Content-Type-Options: [nosniff]
images:
  skipverify: true
chunking:
  policy: fixed
  size: 1048576
`

const maintenanceConfigYaml = `
version: 0.1
storage:
  filesystem:
    rootdirectory: /srv/goldboot
  cache:
    chunkdescriptor: inmemory
    chunkdescriptorsize: 5000
  delete:
    enabled: true
  maintenance:
    uploadpurging:
      enabled: true
      age: 168h
      interval: 24h
      dryrun: false
health:
  storagedriver:
    enabled: true
    interval: 10s
    threshold: 3
`

const authConfigYaml = `
version: 0.1
storage: inmemory
auth:
  htpasswd:
    realm: goldboot
    path: /etc/goldboot/htpasswd
`

type ConfigSuite struct {
	suite.Suite
	expectedConfig *Configuration
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (suite *ConfigSuite) SetupTest() {
	suite.expectedConfig = copyConfig(configStruct)
}

// TestMarshalRoundtrip validates that configStruct can be marshaled and
// unmarshaled without changing any parameters
func (suite *ConfigSuite) TestMarshalRoundtrip() {
	configBytes, err := yaml.Marshal(suite.expectedConfig)
	suite.Require().NoError(err)
	config, err := Parse(bytes.NewReader(configBytes))
	suite.T().Log(string(configBytes))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseSimple validates that configYamlV0_1 can be parsed into a struct
// matching configStruct
func (suite *ConfigSuite) TestParseSimple() {
	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseInmemory validates that configuration yaml with storage provided as
// a string can be parsed into a Configuration struct with no storage parameters
func (suite *ConfigSuite) TestParseInmemory() {
	suite.expectedConfig.Storage = Storage{"inmemory": Parameters{}}
	suite.expectedConfig.Log.Fields = nil
	suite.expectedConfig.Redis = Redis{}

	config, err := Parse(bytes.NewReader([]byte(inmemoryConfigYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseIncomplete validates that an incomplete yaml configuration cannot
// be parsed without providing environment variables to fill in the missing
// components.
func (suite *ConfigSuite) TestParseIncomplete() {
	incompleteConfigYaml := "version: 0.1"
	_, err := Parse(bytes.NewReader([]byte(incompleteConfigYaml)))
	suite.Require().Error(err)

	// Note: this also tests that REGISTRY_STORAGE and
	// REGISTRY_STORAGE_FILESYSTEM_ROOTDIRECTORY can be used together
	suite.T().Setenv("REGISTRY_STORAGE", "filesystem")
	suite.T().Setenv("REGISTRY_STORAGE_FILESYSTEM_ROOTDIRECTORY", "/tmp/testroot")

	config, err := Parse(bytes.NewReader([]byte(incompleteConfigYaml)))
	suite.Require().NoError(err)
	suite.Require().Equal(Storage{"filesystem": Parameters{"rootdirectory": "/tmp/testroot"}}, config.Storage)
	suite.Require().Equal(Loglevel("info"), config.Log.Level)
}

// TestParseWithSameEnvStorage validates that providing environment variables
// that match the given storage type will only include environment-defined
// parameters and remove yaml-defined parameters
func (suite *ConfigSuite) TestParseWithSameEnvStorage() {
	suite.expectedConfig.Storage = Storage{"somedriver": Parameters{"region": "us-east-1"}}

	suite.T().Setenv("REGISTRY_STORAGE", "somedriver")
	suite.T().Setenv("REGISTRY_STORAGE_SOMEDRIVER_REGION", "us-east-1")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseWithDifferentEnvStorageParams validates that providing environment variables that change
// and add to the given storage parameters will change and add parameters to the parsed
// Configuration struct
func (suite *ConfigSuite) TestParseWithDifferentEnvStorageParams() {
	suite.expectedConfig.Storage.setParameter("string1", "us-west-1")
	suite.expectedConfig.Storage.setParameter("bool1", true)
	suite.expectedConfig.Storage.setParameter("newparam", "some Value")

	suite.T().Setenv("REGISTRY_STORAGE_SOMEDRIVER_STRING1", "us-west-1")
	suite.T().Setenv("REGISTRY_STORAGE_SOMEDRIVER_BOOL1", "true")
	suite.T().Setenv("REGISTRY_STORAGE_SOMEDRIVER_NEWPARAM", "some Value")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseWithEnvLogLevel validates that the log level can be overridden
// by the environment.
func (suite *ConfigSuite) TestParseWithEnvLogLevel() {
	suite.expectedConfig.Log.Level = "error"

	suite.T().Setenv("REGISTRY_LOG_LEVEL", "error")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseInvalidLoglevel validates that the parser will fail to parse a
// configuration if the loglevel is malformed
func (suite *ConfigSuite) TestParseInvalidLoglevel() {
	invalidConfigYaml := "version: 0.1\nlog:\n  level: derp\nstorage: inmemory"
	_, err := Parse(bytes.NewReader([]byte(invalidConfigYaml)))
	suite.Require().Error(err)

	suite.T().Setenv("REGISTRY_LOG_LEVEL", "derp")

	_, err = Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().Error(err)
}

// TestParseWithEnvRedis validates that the redis section can be
// overridden by the environment.
func (suite *ConfigSuite) TestParseWithEnvRedis() {
	suite.expectedConfig.Redis.Addrs = []string{"redis-a:6379", "redis-b:6379"}
	suite.expectedConfig.Redis.DB = 3

	suite.T().Setenv("REGISTRY_REDIS_ADDRS", `["redis-a:6379", "redis-b:6379"]`)
	suite.T().Setenv("REGISTRY_REDIS_DB", "3")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseHTTPDrainTimeout validates that durations parse from the
// environment.
func (suite *ConfigSuite) TestParseHTTPDrainTimeout() {
	suite.expectedConfig.HTTP.DrainTimeout = 30 * time.Second

	suite.T().Setenv("REGISTRY_HTTP_DRAINTIMEOUT", "30s")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

// TestParseStorageSections validates that cache, delete and maintenance
// sit beside the driver without being mistaken for one.
func (suite *ConfigSuite) TestParseStorageSections() {
	config, err := Parse(bytes.NewReader([]byte(maintenanceConfigYaml)))
	suite.Require().NoError(err)

	suite.Require().Equal("filesystem", config.Storage.Type())
	suite.Require().Equal(Parameters{"rootdirectory": "/srv/goldboot"}, config.Storage.Parameters())
	suite.Require().True(config.Storage.DeleteEnabled())
	suite.Require().Equal("inmemory", config.Storage.Cache()["chunkdescriptor"])
	suite.Require().Equal(5000, config.Storage.Cache()["chunkdescriptorsize"])

	purging, ok := config.Storage.UploadPurging()
	suite.Require().True(ok)
	suite.Require().Equal(true, purging["enabled"])
	suite.Require().Equal("168h", purging["age"])

	suite.Require().True(config.Health.StorageDriver.Enabled)
	suite.Require().Equal(10*time.Second, config.Health.StorageDriver.Interval)
	suite.Require().Equal(3, config.Health.StorageDriver.Threshold)
}

// TestParseMultipleDrivers validates that only one storage driver may be
// configured.
func (suite *ConfigSuite) TestParseMultipleDrivers() {
	doc := "version: 0.1\nstorage:\n  inmemory: {}\n  filesystem: {}\n"
	_, err := Parse(bytes.NewReader([]byte(doc)))
	suite.Require().ErrorContains(err, "exactly one storage type")
}

// TestParseAuth validates that the auth section names exactly one access
// controller and that its parameters can be overridden by the environment.
func (suite *ConfigSuite) TestParseAuth() {
	expected := Auth{"htpasswd": Parameters{"realm": "goldboot", "path": "/etc/goldboot/htpasswd"}}
	expected.setParameter("realm", "builders")

	suite.T().Setenv("REGISTRY_AUTH_HTPASSWD_REALM", "builders")

	config, err := Parse(bytes.NewReader([]byte(authConfigYaml)))
	suite.Require().NoError(err)
	suite.Require().Equal("htpasswd", config.Auth.Type())
	suite.Require().Equal(expected, config.Auth)

	doc := "version: 0.1\nstorage: inmemory\nauth:\n  htpasswd: {}\n  silly: {}\n"
	_, err = Parse(bytes.NewReader([]byte(doc)))
	suite.Require().ErrorContains(err, "exactly one type")
}

// TestParseWithEnvReporting validates that the reporting section can be
// filled from the environment.
func (suite *ConfigSuite) TestParseWithEnvReporting() {
	suite.expectedConfig.Reporting = Reporting{
		Bugsnag:  BugsnagReporting{APIKey: "BugsnagApiKey", ReleaseStage: "staging"},
		NewRelic: NewRelicReporting{LicenseKey: "NewRelicLicenseKey", Name: "goldboot", Verbose: true},
	}

	suite.T().Setenv("REGISTRY_REPORTING_BUGSNAG_APIKEY", "BugsnagApiKey")
	suite.T().Setenv("REGISTRY_REPORTING_BUGSNAG_RELEASESTAGE", "staging")
	suite.T().Setenv("REGISTRY_REPORTING_NEWRELIC_LICENSEKEY", "NewRelicLicenseKey")
	suite.T().Setenv("REGISTRY_REPORTING_NEWRELIC_NAME", "goldboot")
	suite.T().Setenv("REGISTRY_REPORTING_NEWRELIC_VERBOSE", "true")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig, config)
}

func (suite *ConfigSuite) TestRedisParams() {
	params := suite.expectedConfig.Redis.Params()
	suite.Require().Equal([]string{"localhost:6379"}, params["addrs"])
	suite.Require().Equal(1, params["db"])
	suite.Require().Equal(10*time.Millisecond, params["dialtimeout"])
}

func copyConfig(config Configuration) *Configuration {
	configCopy := new(Configuration)

	configCopy.Version = MajorMinorVersion(config.Version.Major(), config.Version.Minor())
	configCopy.Log = config.Log
	if config.Log.Fields != nil {
		configCopy.Log.Fields = make(map[string]interface{}, len(config.Log.Fields))
		for k, v := range config.Log.Fields {
			configCopy.Log.Fields[k] = v
		}
	}

	configCopy.Storage = Storage{config.Storage.Type(): Parameters{}}
	for k, v := range config.Storage.Parameters() {
		configCopy.Storage.setParameter(k, v)
	}

	configCopy.Notifications = Notifications{Endpoints: []Endpoint{}}
	configCopy.Notifications.Endpoints = append(configCopy.Notifications.Endpoints, config.Notifications.Endpoints...)

	configCopy.HTTP = config.HTTP
	configCopy.HTTP.Headers = make(http.Header)
	for k, v := range config.HTTP.Headers {
		configCopy.HTTP.Headers[k] = v
	}

	if config.Auth != nil {
		configCopy.Auth = Auth{config.Auth.Type(): Parameters{}}
		for k, v := range config.Auth.Parameters() {
			configCopy.Auth.setParameter(k, v)
		}
	}

	configCopy.Reporting = config.Reporting
	configCopy.Redis = config.Redis
	configCopy.Redis.Addrs = append([]string(nil), config.Redis.Addrs...)
	configCopy.Health = config.Health
	configCopy.Images = config.Images
	configCopy.Chunking = config.Chunking

	return configCopy
}
