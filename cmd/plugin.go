package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MXWXZ/plugd/db"
	"github.com/MXWXZ/plugd/lifecycle"

	"github.com/spf13/cobra"
	"github.com/ztrue/tracerr"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage plugins in local storage",
}

// withRuntime runs f against a freshly started runtime and reports its error.
func withRuntime(f func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt := newRuntime(ctx)
		err := f(ctx, rt, args)
		rt.close()
		if err != nil {
			fail(err)
		}
	}
}

func printRecords(list ...lifecycle.Record) {
	var rows [][]string
	for _, r := range list {
		rows = append(rows, []string{
			r.ID, r.Name, r.Version, r.Level, string(r.Status), string(r.Location), strings.Join(r.Hooks, ","),
		})
	}
	fmt.Println(table([]string{"ID", "NAME", "VERSION", "LEVEL", "STATUS", "LOCATION", "HOOKS"}, rows))
}

// transition wraps a single-id manager operation as a command.
func transition(use string, short string, op func(m *lifecycle.Manager) func(context.Context, string) (lifecycle.Record, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " $id",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			r, err := op(rt.manager)(ctx, args[0])
			if err != nil {
				return err
			}
			printRecords(r)
			return nil
		}),
	}
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install $package",
	Short: "Install a zipped plugin package",
	Args:  cobra.ExactArgs(1),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		buf, err := os.ReadFile(args[0])
		if err != nil {
			return tracerr.Wrap(err)
		}
		r, err := rt.manager.Install(ctx, buf)
		if err != nil {
			return err
		}
		printRecords(r)
		return nil
	}),
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Args:  cobra.NoArgs,
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		printRecords(rt.manager.List()...)
		return nil
	}),
}

var pluginInfoCmd = &cobra.Command{
	Use:   "info $id",
	Short: "Show plugin record, manifest and sandbox usage",
	Args:  cobra.ExactArgs(1),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		r, err := rt.manager.Get(args[0])
		if err != nil {
			return err
		}
		out := map[string]any{"record": r, "manifest": r.Manifest}
		if info, ok := rt.factory.Info(r.ID); ok {
			out["sandbox"] = info
		}
		printJSON(out)
		return nil
	}),
}

var pluginSettingsCmd = &cobra.Command{
	Use:   "settings $id",
	Short: "Show current plugin settings",
	Args:  cobra.ExactArgs(1),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		values, err := rt.manager.Settings(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(values)
		return nil
	}),
}

// parseValue reads a JSON value, anything else is taken as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

var pluginSetCmd = &cobra.Command{
	Use:   "set $id $key=$value...",
	Short: "Update plugin settings, values are JSON or plain strings",
	Args:  cobra.MinimumNArgs(2),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		patch := make(map[string]any)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return tracerr.Errorf("invalid assignment %q, want key=value", kv)
			}
			patch[k] = parseValue(v)
		}
		values, err := rt.manager.UpdateSettings(ctx, args[0], patch)
		if err != nil {
			return err
		}
		printJSON(values)
		return nil
	}),
}

var pluginResetCmd = &cobra.Command{
	Use:   "reset $id",
	Short: "Restore default plugin settings",
	Args:  cobra.ExactArgs(1),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		values, err := rt.manager.ResetSettings(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(values)
		return nil
	}),
}

var pluginDispatchCmd = &cobra.Command{
	Use:   "dispatch $hook [$arg...]",
	Short: "Invoke a hook on every active plugin, arguments are JSON or plain strings",
	Args:  cobra.MinimumNArgs(1),
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		var params []any
		for _, a := range args[1:] {
			params = append(params, parseValue(a))
		}
		printJSON(rt.manager.Dispatch(ctx, args[0], params...))
		return nil
	}),
}

var (
	eventLimit  int
	eventOffset int
	eventSearch string
	eventLevel  string
)

var eventLevels = map[string]db.NotifyLevel{
	"":        db.NotifyInfo,
	"warning": db.NotifyWarning,
	"error":   db.NotifyError,
	"fatal":   db.NotifyFatal,
}

var pluginEventsCmd = &cobra.Command{
	Use:   "events [$id...]",
	Short: "Show journaled plugin warnings and errors",
	Run: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		level, ok := eventLevels[strings.ToLower(eventLevel)]
		if !ok {
			return fmt.Errorf("unknown level %v", eventLevel)
		}
		list, total, err := db.Notifications(rt.db, db.NotificationQuery{
			Plugins: args,
			Search:  eventSearch,
			Level:   level,
			Limit:   eventLimit,
			Offset:  eventOffset,
		})
		if err != nil {
			return err
		}
		var rows [][]string
		for _, n := range list {
			rows = append(rows, []string{
				strconv.Itoa(int(n.ID)),
				n.Track.CreatedAt.Format("2006-01-02 15:04:05"),
				n.Level.String(),
				n.Plugin,
				n.Message,
			})
		}
		fmt.Println(table([]string{"ID", "TIME", "LEVEL", "PLUGIN", "MESSAGE"}, rows))
		fmt.Printf("%v of %v entries\n", len(list), total)
		return nil
	}),
}

func init() {
	pluginEventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 50, "number of entries to show")
	pluginEventsCmd.Flags().IntVar(&eventOffset, "offset", 0, "number of newest entries to skip")
	pluginEventsCmd.Flags().StringVarP(&eventSearch, "search", "s", "", "only entries whose message or detail contains this text")
	pluginEventsCmd.Flags().StringVarP(&eventLevel, "level", "l", "", "minimum level: warning, error or fatal")

	pluginCmd.AddCommand(
		pluginInstallCmd,
		transition("uninstall", "Stop a plugin and remove its storage and settings",
			func(m *lifecycle.Manager) func(context.Context, string) (lifecycle.Record, error) { return m.Uninstall }),
		transition("enable", "Move a disabled plugin to active storage and load it",
			func(m *lifecycle.Manager) func(context.Context, string) (lifecycle.Record, error) { return m.Enable }),
		transition("disable", "Stop a plugin and move it to disabled storage",
			func(m *lifecycle.Manager) func(context.Context, string) (lifecycle.Record, error) { return m.Disable }),
		transition("reload", "Replace the running instance of a plugin",
			func(m *lifecycle.Manager) func(context.Context, string) (lifecycle.Record, error) { return m.Reload }),
		pluginListCmd,
		pluginInfoCmd,
		pluginSettingsCmd,
		pluginSetCmd,
		pluginResetCmd,
		pluginDispatchCmd,
		pluginEventsCmd,
	)
	rootCmd.AddCommand(pluginCmd)
}
