package config

import (
	"bytes"
	"os"
	"regexp"

	"github.com/MXWXZ/plugd/utils/log"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/ztrue/tracerr"
)

// Version is the host version checked against manifest engine constraints.
const Version = "1.0.0"

func init() {
	for _, v := range DefaultSetting {
		viper.SetDefault(v.Name, v.Value)
	}
}

// Config is config struct for plugd.
type Config struct {
	Name        string    // config name
	Value       any       // config default value
	WarnDefault bool      // show warning if unchanged
	Checker     func(any) // config checker
}

func positive(name string) func(any) {
	return func(v any) {
		if viper.GetInt64(name) <= 0 {
			log.New().Fatalf("%v must be positive", name)
		}
	}
}

var DefaultSetting = []*Config{
	{Name: "debug", Value: false, Checker: func(v any) {
		if viper.GetBool("debug") {
			log.New().Warn("Debug mode is on, make it off when put into production")
		}
	}},
	{Name: "database.path", Value: "data.db"},
	{Name: "plugin.root", Value: "plugins", WarnDefault: true},
	{Name: "plugin.max_package_kb", Value: 10240, Checker: positive("plugin.max_package_kb")},
	{Name: "log.console", Value: true},
	{Name: "log.file", Value: ""},
	{Name: "log.json", Value: false},
	{Name: "log.stack", Value: false},
	{Name: "listen.address", Value: "127.0.0.1:9210"},
	{Name: "runtime.max_memory_mb", Value: 100, Checker: positive("runtime.max_memory_mb")},
	{Name: "runtime.max_execution_ms", Value: 5000, Checker: positive("runtime.max_execution_ms")},
	{Name: "runtime.max_file_size_kb", Value: 1024, Checker: positive("runtime.max_file_size_kb")},
	{Name: "runtime.max_network", Value: 10, Checker: positive("runtime.max_network")},
	{Name: "runtime.max_database", Value: 50, Checker: positive("runtime.max_database")},
	{Name: "runtime.init_timeout_ms", Value: 10000, Checker: positive("runtime.init_timeout_ms")},
	{Name: "runtime.hook_timeout_ms", Value: 5000, Checker: positive("runtime.hook_timeout_ms")},
	{Name: "runtime.cleanup_timeout_ms", Value: 5000, Checker: positive("runtime.cleanup_timeout_ms")},
	{Name: "runtime.network_timeout_ms", Value: 3000, Checker: positive("runtime.network_timeout_ms")},
	{Name: "runtime.network_allow_hosts", Value: []string{}},
	{Name: "runtime.blocked_patterns", Value: []string{}, Checker: func(v any) {
		for _, p := range viper.GetStringSlice("runtime.blocked_patterns") {
			if _, err := regexp.Compile(p); err != nil {
				log.NewEntry(tracerr.Wrap(err)).Fatalf("Invalid blocked pattern %v", p)
			}
		}
	}},
	{Name: "runtime.global.max_memory_mb", Value: 1024},
	{Name: "runtime.global.network_per_minute", Value: 600},
	{Name: "runtime.global.database_per_minute", Value: 6000},
	{Name: "watcher.enable", Value: true},
	{Name: "watcher.debounce_ms", Value: 500, Checker: positive("watcher.debounce_ms")},
	{Name: "pool.size", Value: 16, Checker: positive("pool.size")},
}

// Load reads yml config in path, a missing file keeps the defaults.
func Load(path string, debug bool) error {
	viper.SetConfigType("yml")
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return tracerr.Wrap(err)
	}
	if err == nil {
		if err = viper.ReadConfig(bytes.NewBuffer(content)); err != nil {
			return tracerr.Wrap(err)
		}
	} else {
		log.New().Warnf("Config file %v not found, using defaults", path)
	}

	if debug || viper.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func CheckSetting() {
	for _, v := range DefaultSetting {
		if v.WarnDefault && viper.Get(v.Name) == v.Value {
			log.New().Warnf("Setting %v has default value, please modify your config file", v.Name)
		}
		if v.Checker != nil {
			v.Checker(viper.Get(v.Name))
		}
	}
}
