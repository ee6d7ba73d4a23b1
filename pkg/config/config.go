package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

// validate is a global validator instance used to validate struct fields based on tags.
var validate *validator.Validate

// Config holds all the configuration parameters necessary for properly configuring the application.
type Config struct {
	Global        Global        `yaml:",omitempty"`    // Global contains settings coming from the command line only.
	Log           Log           `yaml:"log"`           // Log holds configuration related to logging.
	OpenTelemetry OpenTelemetry `yaml:"opentelemetry"` // OpenTelemetry contains configuration settings for OpenTelemetry integration.
	Server        Server        `yaml:"server"`        // Server holds configuration related to the HTTP(S) server.
	Redis         Redis         `yaml:"redis"`         // Redis holds configuration parameters for connecting to Redis.
	Mail          Mail          `yaml:"mail"`          // Mail holds the SMTP transport used for deploy notifications.
	Github        Github        `yaml:"github"`        // Github holds webhook authentication and the repositories allow-list.

	// Deploy holds the deploy settings, its parameters are the defaults of every repository.
	Deploy Deploy `yaml:"deploy"`
}

// Log holds configuration settings related to runtime logging.
type Log struct {
	// Level sets the logging verbosity level.
	// Valid values: trace, debug, info, warning, error, fatal, panic.
	Level string `default:"info" validate:"required,oneof=trace debug info warning error fatal panic" yaml:"level"`

	// Format sets the output format of the logs, "text" or "json".
	Format string `default:"text" validate:"oneof=text json" yaml:"format"`

	// Path is an optional file the logs are appended to.
	Path string `yaml:"path"`

	// ToStdout controls whether logs are also written to the standard output.
	ToStdout bool `default:"true" yaml:"to_stdout"`
}

// OpenTelemetry holds configuration related to OpenTelemetry integration.
type OpenTelemetry struct {
	// GRPCEndpoint is the gRPC address of the OpenTelemetry collector to send traces to.
	GRPCEndpoint string `yaml:"grpc_endpoint"`
}

// Server holds the configuration for the HTTP server.
type Server struct {
	// ListenAddress specifies the address and port the server will bind to and listen on.
	ListenAddress string        `default:":8443" validate:"required" yaml:"listen_address"`
	EnablePprof   bool          `default:"false" yaml:"enable_pprof"` // EnablePprof enables profiling endpoints.
	TLS           ServerTLS     `yaml:"tls"`                          // TLS holds the certificate material, plain HTTP is served without it.
	Metrics       ServerMetrics `yaml:"metrics"`                      // Metrics contains configuration related to exposing Prometheus metrics.

	// MaxBodyBytes caps the size of webhook payloads. GitHub never sends more than 25MB.
	MaxBodyBytes int64 `default:"26214400" validate:"gte=1" yaml:"max_body_bytes"`
}

// ServerTLS holds the TLS certificate chain and private key locations.
type ServerTLS struct {
	CertFile string `validate:"required_with=KeyFile" yaml:"cert_file"`
	KeyFile  string `validate:"required_with=CertFile" yaml:"key_file"`
}

// Enabled returns whether TLS material has been configured.
func (t ServerTLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// ServerMetrics holds configuration for the metrics HTTP endpoint.
type ServerMetrics struct {
	EnableOpenmetricsEncoding bool `default:"false" yaml:"enable_openmetrics_encoding"`
	Enabled                   bool `default:"true" yaml:"enabled"` // Enabled controls whether the /metrics endpoint is exposed.
}

// Redis holds the configuration for connecting to a Redis instance.
type Redis struct {
	// URL is the connection string used to connect to the Redis server.
	// Format example: redis[s]://[:password@]host[:port][/db-number][?option=value]
	// When empty, the task queue and the deploy leases are kept in memory.
	URL string `yaml:"url"`
}

// Mail holds the SMTP transport configuration.
type Mail struct {
	SMTPEndpoint string `validate:"required,hostname_port" yaml:"smtp_endpoint"` // host:port of the SMTP server
	From         string `validate:"required,email" yaml:"from"`
	To           string `validate:"required,email" yaml:"to"`

	// Credentials are only read from the credentials directory.
	SMTPUser     string `yaml:"-"`
	SMTPPassword string `yaml:"-"`
}

// Github holds the webhook configuration.
type Github struct {
	// WebhookSecret is the shared secret used to sign webhook payloads.
	// It is read from the credentials directory or the --webhook-secret flag.
	WebhookSecret string `validate:"required" yaml:"-"`

	// Repositories is the allow-list of repositories permitted to trigger deploys.
	Repositories []Repository `validate:"required,min=1,unique=FullName,dive" yaml:"repositories"`
}

// Repository is an allow-listed repository.
type Repository struct {
	FullName string           `validate:"required" yaml:"full_name"` // owner/name, as sent by GitHub
	Deploy   DeployParameters `yaml:"deploy"`                        // Deploy overrides the global deploy parameters
}

// DeployParameters are the parameters handed over to the deploy script.
type DeployParameters struct {
	ScriptPath string `yaml:"script_path"` // ScriptPath is the deploy script, invoked as `script <repo> <tag> [dev_dir scripts_dir]`
	DevDir     string `yaml:"dev_dir"`     // DevDir is the working directory handed over to the script
	ScriptsDir string `yaml:"scripts_dir"` // ScriptsDir is the directory the script writes its logs to
}

// Deploy holds the settings of the deploy runner.
type Deploy struct {
	DeployParameters `yaml:",inline"`

	// Timeout kills deploy scripts running for longer. 0 disables it.
	Timeout time.Duration `default:"0s" validate:"gte=0" yaml:"timeout"`

	// DryRun replaces the deploy script with a runner which only logs and reports success.
	DryRun bool `default:"false" yaml:"dry_run"`

	// SingleFlight rejects triggers for a repository which is already being deployed.
	SingleFlight bool `default:"false" yaml:"single_flight"`

	// RequireSemverTags ignores tags which are not semantic versions.
	RequireSemverTags bool `default:"false" yaml:"require_semver_tags"`

	MaximumStartsPerSecond   int `default:"1" validate:"gte=1" yaml:"maximum_starts_per_second"`   // MaximumStartsPerSecond limits how often deploy scripts are spawned.
	BurstableStartsPerSecond int `default:"5" validate:"gte=1" yaml:"burstable_starts_per_second"` // BurstableStartsPerSecond allows short bursts above the rate.

	// MaximumJobsQueueSize caps the number of deploys waiting to be started.
	MaximumJobsQueueSize int `default:"1000" validate:"gte=10" yaml:"maximum_jobs_queue_size"`
}

// secretKeys lists, per section, the keys which must never appear in the config file.
var secretKeys = map[string][]string{
	"github": {"webhook_secret"},
	"mail":   {"smtp_user", "smtp_password"},
}

// UnmarshalYAML applies the default values before decoding the YAML node.
// Sensitive values found in the document are refused.
func (c *Config) UnmarshalYAML(v *yaml.Node) (err error) {
	type localConfig Config

	if err = rejectSecrets(v); err != nil {
		return
	}

	_cfg := localConfig{}
	defaults.MustSet(&_cfg)

	if err = v.Decode(&_cfg); err != nil {
		return
	}

	*c = Config(_cfg)

	return
}

// rejectSecrets returns an error when the mapping v holds one of the secretKeys.
func rejectSecrets(v *yaml.Node) error {
	if v.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(v.Content); i += 2 {
		section, values := v.Content[i].Value, v.Content[i+1]
		if values.Kind != yaml.MappingNode {
			continue
		}

		for j := 0; j+1 < len(values.Content); j += 2 {
			if key := values.Content[j].Value; slices.Contains(secretKeys[section], key) {
				return fmt.Errorf("line %d: '%s.%s' must be provided through the credentials directory, not the config file",
					values.Content[j].Line, section, key)
			}
		}
	}

	return nil
}

// ToYAML serializes the Config object into a YAML formatted string.
// Sensitive values are never serialized.
func (c Config) ToYAML() string {
	c.Global = Global{}

	b, err := yaml.Marshal(c)
	if err != nil {
		panic(err)
	}

	return string(b)
}

// Validate checks if the Config struct's fields are valid according to
// the validation rules defined via struct tags.
func (c Config) Validate() error {
	if validate == nil {
		validate = validator.New()
	}

	if err := validate.Struct(c); err != nil {
		return err
	}

	// Every repository must end up with a script, either its own or the default one
	for _, r := range c.Github.Repositories {
		if r.Deploy.ScriptPath == "" && c.Deploy.ScriptPath == "" {
			return fmt.Errorf("no deploy script_path defined for repository '%s'", r.FullName)
		}
	}

	return nil
}

// Log returns a structured representation of the deploy configuration
// to help display it in logs for the end user.
func (d Deploy) Log() log.Fields {
	timeout := "none"
	if d.Timeout > 0 {
		timeout = d.Timeout.String()
	}

	return log.Fields{
		"script-path":   d.ScriptPath,
		"dry-run":       d.DryRun,
		"single-flight": d.SingleFlight,
		"timeout":       timeout,
	}
}

// New returns a new Config instance with default parameters set.
func New() (c Config) {
	defaults.MustSet(&c)
	return
}

// RepositoryNames returns the full names of the allow-listed repositories.
func (c Config) RepositoryNames() (names []string) {
	for _, r := range c.Github.Repositories {
		names = append(names, r.FullName)
	}

	return
}

// IsRepositoryAllowed returns whether the given repository full name is allow-listed.
// The comparison is exact, GitHub always sends the canonical owner/name.
func (c Config) IsRepositoryAllowed(fullName string) bool {
	return fullName != "" && slices.Contains(c.RepositoryNames(), fullName)
}

// DeployParametersFor returns the deploy parameters of the given repository,
// its overrides merged over the global deploy parameters.
func (c Config) DeployParametersFor(fullName string) (p schemas.DeployParameters, err error) {
	var params DeployParameters

	for _, r := range c.Github.Repositories {
		if r.FullName == fullName {
			params = r.Deploy
			break
		}
	}

	// Zero valued overrides inherit from the defaults
	if err = mergo.Merge(&params, c.Deploy.DeployParameters); err != nil {
		return
	}

	return schemas.DeployParameters{
		ScriptPath: params.ScriptPath,
		DevDir:     params.DevDir,
		ScriptsDir: params.ScriptsDir,
	}, nil
}
