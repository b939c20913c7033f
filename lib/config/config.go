package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wireamqp/amqpmux/lib/util"
	"github.com/wireamqp/amqpmux/lib/util/logger"
)

var (
	CfgFile string
	log     = logger.GetLogger()
)

const AMQPMUX_BASE_DIR = ".amqpmux"

func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.amqpmux/
		viper.AddConfigPath(BuildConfigDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Load defaults
	setDefaults()

	// handle config file creating it if needed
	handleConfigFile()
}

func setDefaults() {
	// Session defaults
	viper.SetDefault("session.incoming_window", DefaultSessionDefaults().IncomingWindow)
	viper.SetDefault("session.outgoing_window", DefaultSessionDefaults().OutgoingWindow)
	viper.SetDefault("session.handle_max", DefaultSessionDefaults().HandleMax)
	viper.SetDefault("session.idle_wait", DefaultSessionDefaults().IdleWait)
	viper.SetDefault("session.disallow_pipelined_open", DefaultSessionDefaults().DisallowPipelinedOpen)

	// Connection defaults
	viper.SetDefault("conn.max_frame_size", DefaultConnDefaults().MaxFrameSize)
}

// NewSessionDefaultsFromViper creates a SessionDefaults snapshot from
// current viper settings.
func NewSessionDefaultsFromViper() *SessionDefaults {
	return &SessionDefaults{
		IncomingWindow:        viper.GetUint32("session.incoming_window"),
		OutgoingWindow:        viper.GetUint32("session.outgoing_window"),
		HandleMax:             viper.GetUint32("session.handle_max"),
		IdleWait:              viper.GetDuration("session.idle_wait"),
		DisallowPipelinedOpen: viper.GetBool("session.disallow_pipelined_open"),
	}
}

// NewConnDefaultsFromViper creates a ConnDefaults snapshot from current
// viper settings.
func NewConnDefaultsFromViper() *ConnDefaults {
	return &ConnDefaults{
		MaxFrameSize: viper.GetUint32("conn.max_frame_size"),
	}
}

// Dump renders the given configuration as YAML for diagnostics.
func Dump(v interface{}) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildConfigDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func BuildConfigDirPath() string {
	return filepath.Join(util.UserHome(), AMQPMUX_BASE_DIR)
}
