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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/config"
	"github.com/livekit/pullstream/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to pullstream config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "pullstream config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"PULLSTREAM_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "load environment variables from `file` before reading the config",
		Value: ".env",
	},
	&cli.StringFlag{
		Name:    "document",
		Usage:   "request name of the presentation document to stream",
		EnvVars: []string{"PULLSTREAM_DOCUMENT"},
	},
	&cli.StringFlag{
		Name:    "url",
		Usage:   "websocket url of a producer, selects the websocket transport",
		EnvVars: []string{"PULLSTREAM_URL"},
	},
	&cli.UintFlag{
		Name:  "port",
		Usage: "port the producer server listens on",
	},
	&cli.StringFlag{
		Name:  "content-dir",
		Usage: "serve files below this directory",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "pullstream",
		Usage:       "chunked pull transfers and adaptive streaming",
		Description: "fetch a file, stream a presentation or serve content to other consumers",
		Flags:       append(baseFlags, generatedFlags...),
		Before:      loadEnv,
		Commands: []*cli.Command{
			{
				Name:   "fetch",
				Usage:  "downloads one named file",
				Action: fetchFile,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "request name of the file, defaults to the sample document when simulating",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "write the file to `path`",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this much (simulated) time",
						Value: time.Hour,
					},
				},
			},
			{
				Name:   "stream",
				Usage:  "streams a presentation with an adaptation logic and prints playback statistics",
				Action: streamPresentation,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this much (simulated) time",
						Value: 6 * time.Hour,
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "only print the summary",
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "answers requests over websocket from the configured content store",
				Action: serveContent,
			},
			{
				Name:   "generate-config",
				Usage:  "prints the effective configuration as YAML",
				Action: generateConfig,
			},
			{
				Name:   "list-logics",
				Usage:  "lists the available adaptation logics",
				Action: listLogics,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadEnv(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && c.IsSet("env-file") {
		return err
	}
	return nil
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
