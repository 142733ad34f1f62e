package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tcfw/w3s/internal/utils/logging"
)

const (
	Cfg_verbose = "verbose"
	Cfg_output  = "output"
	Cfg_log_fmt = "log.format"
)

var (
	defaults = map[string]interface{}{
		Cfg_verbose: false,
		Cfg_output:  "text",
		Cfg_log_fmt: "text",
	}
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("w3s")
	viper.AddConfigPath("/etc/w3s/")
	viper.AddConfigPath("$HOME/.w3s")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("W3S")
	//upload.chunkSize is read from W3S_UPLOAD_CHUNKSIZE
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
			logging.Entry().Debug("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	if err := logging.SetFormat(viper.GetString(Cfg_log_fmt)); err != nil {
		return nil, err
	}

	if viper.GetBool(Cfg_verbose) {
		logging.SetLevel(logrus.DebugLevel)
		logging.WithField("level", "debug").Debug("setting log level")
	}

	c := &Config{
		output: viper.GetString(Cfg_output),
	}

	c.client, err = buildClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "client config")
	}

	return c, nil
}

type Config struct {
	client *Client
	output string
}

func (c *Config) Client() *Client {
	return c.client
}

// Output is the record output format: text, json or yaml.
func (c *Config) Output() string {
	return c.output
}
