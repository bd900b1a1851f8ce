package cmd

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/MXWXZ/plugd/config"
	"github.com/MXWXZ/plugd/db"
	"github.com/MXWXZ/plugd/hook"
	"github.com/MXWXZ/plugd/lifecycle"
	"github.com/MXWXZ/plugd/sandbox"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/settings"
	"github.com/MXWXZ/plugd/utils/log"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/ztrue/tracerr"
	"gorm.io/gorm"
)

var logFile *os.File

func setupLog() {
	if viper.GetBool("log.json") {
		log.SetJSONFormat()
	} else {
		log.SetTextFormat()
	}
	if viper.GetBool("log.stack") {
		log.ShowStack()
	}
	if !viper.GetBool("log.console") {
		log.SetOutput()
	}
	if path := viper.GetString("log.file"); path != "" {
		var err error
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.NewEntry(tracerr.Wrap(err)).Fatal("Failed to open log file")
		}
		logrus.AddHook(log.NewFileHook(logFile))
	}
}

func ms(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}

// runtime is every component a plugd process owns.
type runtime struct {
	db       *gorm.DB
	notify   *db.NotificationHook
	acct     *security.Accountant
	factory  *sandbox.Factory
	registry *hook.Registry
	pool     *ants.Pool
	manager  *lifecycle.Manager
}

func limitsFromConfig() security.Limits {
	return security.Limits{
		MaxMemory:          viper.GetInt64("runtime.max_memory_mb") << 20,
		MaxExecutionTime:   ms("runtime.max_execution_ms"),
		MaxFileSize:        viper.GetInt64("runtime.max_file_size_kb") << 10,
		MaxNetworkRequests: viper.GetInt64("runtime.max_network"),
		MaxDatabaseQueries: viper.GetInt64("runtime.max_database"),
	}
}

func blockedFromConfig() []*regexp.Regexp {
	var ret []*regexp.Regexp
	for _, p := range viper.GetStringSlice("runtime.blocked_patterns") {
		ret = append(ret, regexp.MustCompile(p))
	}
	return ret
}

// newRuntime builds the runtime from config and loads every stored plugin.
func newRuntime(ctx context.Context) *runtime {
	var err error
	ret := new(runtime)

	ret.db, err = db.Open(viper.GetString("database.path"))
	if err != nil {
		log.NewEntry(err).Fatal("Failed to open database")
	}
	log.New().WithField("path", viper.GetString("database.path")).Debug("Database connected")
	ret.notify = db.NewNotificationHook(ret.db)
	logrus.AddHook(ret.notify)

	root := viper.GetString("plugin.root")
	ret.acct = security.NewAccountant(security.GlobalLimits{
		MaxMemory:         viper.GetInt64("runtime.global.max_memory_mb") << 20,
		NetworkPerMinute:  viper.GetInt64("runtime.global.network_per_minute"),
		DatabasePerMinute: viper.GetInt64("runtime.global.database_per_minute"),
	})
	ret.factory = sandbox.NewFactory(sandbox.Options{
		Defaults:    limitsFromConfig(),
		Accountant:  ret.acct,
		DataDir:     filepath.Join(root, ".data"),
		Client:      &http.Client{Timeout: ms("runtime.network_timeout_ms")},
		AllowHosts:  viper.GetStringSlice("runtime.network_allow_hosts"),
		Blocked:     blockedFromConfig(),
		LoadTimeout: ms("runtime.init_timeout_ms"),
	})
	ret.registry = hook.New()
	ret.pool, err = ants.NewPool(viper.GetInt("pool.size"))
	if err != nil {
		log.NewEntry(tracerr.Wrap(err)).Fatal("Failed to create worker pool")
	}

	ret.manager, err = lifecycle.New(lifecycle.Options{
		Root:           root,
		Factory:        ret.factory,
		Registry:       ret.registry,
		Settings:       settings.New(ret.db),
		Pool:           ret.pool,
		EngineVersion:  config.Version,
		MaxPackage:     viper.GetInt64("plugin.max_package_kb") << 10,
		InitTimeout:    ms("runtime.init_timeout_ms"),
		HookTimeout:    ms("runtime.hook_timeout_ms"),
		CleanupTimeout: ms("runtime.cleanup_timeout_ms"),
	})
	if err != nil {
		log.NewEntry(err).Fatal("Failed to create plugin manager")
	}
	if err := ret.manager.Start(ctx); err != nil {
		log.NewEntry(err).Fatal("Failed to scan plugin storage")
	}
	return ret
}

func (r *runtime) close() {
	r.manager.Shutdown(context.Background())
	r.pool.Release()
	r.notify.Flush()
	db.Close(r.db)
	if logFile != nil {
		logFile.Close()
	}
}
