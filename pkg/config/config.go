// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/adaptation"
	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/producer"
	"github.com/livekit/pullstream/pkg/session"
	"github.com/livekit/pullstream/pkg/transfer"
	"github.com/livekit/pullstream/pkg/transport"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "PULLSTREAM_"
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrInvalidPort      = errors.New("port out of range")
	ErrUnknownStore     = errors.New("unknown content store")
	ErrUnknownLogic     = errors.New("unknown adaptation logic")
)

type Config struct {
	Development    bool   `yaml:"development,omitempty"`
	NodeID         string `yaml:"node_id,omitempty"`
	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`
	// deprecated, use logging.level
	LogLevel string        `yaml:"log_level,omitempty"`
	Logging  LoggingConfig `yaml:"logging,omitempty"`

	Transfer   transfer.Config   `yaml:"transfer,omitempty"`
	Congestion congestion.Config `yaml:"congestion,omitempty"`
	Transport  transport.Config  `yaml:"transport,omitempty"`
	Streaming  session.Config    `yaml:"streaming,omitempty"`
	Producer   ProducerConfig    `yaml:"producer,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

type ProducerConfig struct {
	BindAddress string `yaml:"bind_address,omitempty"`
	Port        uint32 `yaml:"port,omitempty"`
	// request names are answered only below this prefix
	Prefix string `yaml:"prefix,omitempty"`
	// dir, badger or synthetic
	Store      string `yaml:"store,omitempty"`
	ContentDir string `yaml:"content_dir,omitempty"`
	BadgerDir  string `yaml:"badger_dir,omitempty"`
	BlockSize  int    `yaml:"block_size,omitempty"`
	CacheSize  int    `yaml:"cache_size,omitempty"`
	Workers    int    `yaml:"workers,omitempty"`
	// base url of the generated presentation served by the synthetic store
	SyntheticBaseURL  string        `yaml:"synthetic_base_url,omitempty"`
	SyntheticSegments int           `yaml:"synthetic_segments,omitempty"`
	StatsInterval     time.Duration `yaml:"stats_interval,omitempty"`
}

var DefaultConfig = Config{
	NodeID:     "pullstream",
	Transfer:   transfer.DefaultConfig,
	Congestion: congestion.DefaultConfig,
	Transport:  transport.DefaultConfig,
	Streaming:  session.DefaultConfig,
	Producer: ProducerConfig{
		Port:              7880,
		Store:             string(producer.StoreSynthetic),
		BlockSize:         producer.DefaultBlockSize,
		CacheSize:         producer.DefaultCacheSize,
		Workers:           producer.DefaultWorkers,
		SyntheticBaseURL:  "http://localhost/sample/",
		SyntheticSegments: 30,
		StatsInterval:     producer.DefaultStatsInterval,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in paths
	for _, path := range []*string{&conf.Producer.ContentDir, &conf.Producer.BadgerDir, &conf.Transfer.OutputFile} {
		if *path == "" {
			continue
		}
		expanded, err := homedir.Expand(os.ExpandEnv(*path))
		if err != nil {
			return nil, err
		}
		*path = expanded
	}

	if conf.LogLevel != "" {
		conf.Logging.Level = conf.LogLevel
	}
	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate reports every invalid setting at once.
func (conf *Config) Validate() error {
	var result *multierror.Error
	if conf.Transfer.ChunkSize <= 0 {
		result = multierror.Append(result, ErrInvalidChunkSize)
	}
	if _, err := congestion.New(congestion.Params{Config: conf.Congestion, Logger: logger.GetLogger()}); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := transport.ParseKind(conf.Transport.Kind); err != nil {
		result = multierror.Append(result, err)
	}
	if !adaptation.DefaultRegistry().Has(conf.Streaming.AdaptationLogic) {
		result = multierror.Append(result, errors.Wrap(ErrUnknownLogic, conf.Streaming.AdaptationLogic))
	}
	switch producer.StoreKind(conf.Producer.Store) {
	case producer.StoreDir, producer.StoreBadger, producer.StoreSynthetic:
	default:
		result = multierror.Append(result, errors.Wrap(ErrUnknownStore, conf.Producer.Store))
	}
	if conf.Producer.Port > 65535 {
		result = multierror.Append(result, errors.Wrapf(ErrInvalidPort, "producer.port %d", conf.Producer.Port))
	}
	if conf.PrometheusPort > 65535 {
		result = multierror.Append(result, errors.Wrapf(ErrInvalidPort, "prometheus_port %d", conf.PrometheusPort))
	}
	return result.ErrorOrNil()
}

// Marshal renders the configuration as YAML.
func (conf *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(conf)
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envPrefix + strings.ToUpper(strings.Replace(name, ".", "_", -1))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct, reflect.Interface:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	if c.IsSet("document") {
		conf.Streaming.Document = c.String("document")
	}
	if c.IsSet("url") {
		conf.Transport.URL = c.String("url")
		conf.Transport.Kind = transport.KindWebSocket.String()
	}
	if c.IsSet("port") {
		conf.Producer.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("content-dir") {
		conf.Producer.ContentDir = c.String("content-dir")
		conf.Producer.Store = string(producer.StoreDir)
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "pullstream")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "pullstream")
}
