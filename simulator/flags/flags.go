package flags

import (
	"strings"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat  = "log-format"
	LogLevel   = "log-level"
	LogSource  = "log-source"
	Nodes      = "nodes"
	FlopRate   = "flop-rate"
	Background = "background"
)

// Setup registers the simulator flags and binds them to the environment
// (TERN_ prefix).
func Setup(flags *flag.FlagSet) {
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.Int(Nodes, 16, "number of compute nodes behind the batch service")
	flags.Float64(FlopRate, 1.0, "per-core processing rate, in flops per second")
	flags.StringSlice(Background, nil, "background jobs as NODESxSECONDS, e.g. 4x3600")

	viper.SetEnvPrefix("tern")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
