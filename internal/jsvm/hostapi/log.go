package hostapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// registerLog registers Tether.log and console.
func registerLog(b *bridge, tether *goja.Object) {
	logger := b.logger.With().
		Str("script", b.hctx.ScriptName).
		Str("exec_id", b.hctx.ExecutionID).
		Logger()

	logObj := b.vm.NewObject()
	bindLevels(logObj, logger, map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	})
	_ = tether.Set("log", logObj)

	console := b.vm.NewObject()
	bindLevels(console, logger, map[string]zerolog.Level{
		"log":   zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"trace": zerolog.TraceLevel,
	})
	_ = b.vm.Set("console", console)
}

func bindLevels(obj *goja.Object, logger zerolog.Logger, levels map[string]zerolog.Level) {
	for name, level := range levels {
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			logger.WithLevel(level).Msg(formatLogMessage(call.Arguments))
			return goja.Undefined()
		})
	}
}

// formatLogMessage formats log arguments into a single message string.
func formatLogMessage(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatValue(arg)
	}
	return strings.Join(parts, " ")
}

// formatValue converts a goja.Value to a string representation.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	switch val := v.Export().(type) {
	case string:
		return val
	case map[string]any, []any:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", val)
	default:
		return v.String()
	}
}
