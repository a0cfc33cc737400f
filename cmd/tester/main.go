// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
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
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daviszhen/radixagg/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initAggrCmd()
}

var testerCfg = util.DefaultConfig()
var cfgFile string

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

//aggr cmd

var aggrInfo = "run a grouped aggregation over a workload"
var aggrCmd = &cobra.Command{
	Use:   "aggr",
	Short: aggrInfo,
	Long:  aggrInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := testerCfg.Clone()
		initAggrCfg(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := util.InitLogger(cfg.Log); err != nil {
			return err
		}
		return runAggr(cmd.Context(), cfg, os.Stdout)
	},
}

// initAggrCfg overrides the config file with the flags set on the command line.
func initAggrCfg(cfg *util.Config) {
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	setString := func(key string, dst *string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}
	setInt("aggr.threads", &cfg.Aggr.Threads)
	setInt("aggr.initialRadixBits", &cfg.Aggr.InitialRadixBits)
	setInt("aggr.maxRadixBits", &cfg.Aggr.MaxRadixBits)
	setString("aggr.partitionMemoryLimit", &cfg.Aggr.PartitionMemoryLimit)
	setBool("aggr.disableAbandon", &cfg.Aggr.DisableAbandon)
	setString("memory.limit", &cfg.Memory.Limit)
	setString("memory.tempDir", &cfg.Memory.TempDir)
	setString("workload.format", &cfg.Workload.Format)
	setString("workload.path", &cfg.Workload.Path)
	setInt("workload.rows", &cfg.Workload.Rows)
	setInt("workload.keys", &cfg.Workload.Keys)
	setString("workload.distribution", &cfg.Workload.Distribution)
	setString("workload.sets", &cfg.Workload.Sets)
	setInt("workload.sources", &cfg.Workload.Sources)
	if viper.IsSet("workload.aggrs") {
		cfg.Workload.Aggrs = viper.GetStringSlice("workload.aggrs")
	}
	if viper.IsSet("workload.groups") {
		cfg.Workload.Groups = viper.GetIntSlice("workload.groups")
	}
	setBool("debug.printResult", &cfg.Debug.PrintResult)
	setBool("debug.printPlan", &cfg.Debug.PrintPlan)
	setInt("debug.maxOutputRowCount", &cfg.Debug.MaxOutputRowCount)
}

func initAggrCmd() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file. default ./tester.toml or etc/tester.toml")
	RootCmd.AddCommand(aggrCmd)
	flags := aggrCmd.Flags()
	flags.Int("threads", 0, "number of finalize and scan goroutines")
	flags.Int("initial_radix_bits", 0, "radix bits before any repartition")
	flags.Int("max_radix_bits", 0, "upper bound of radix bits")
	flags.String("partition_memory_limit", "", "memory budget of one partition. e.g. 64MiB")
	flags.Bool("disable_abandon", false, "fail instead of spilling tables when out of memory")
	flags.String("memory_limit", "", "memory limit of the process. e.g. 1GiB")
	flags.String("temp_dir", "", "directory of spill files")
	flags.String("format", "", "workload format. gen, csv, parquet")
	flags.String("path", "", "data file of csv and parquet workloads")
	flags.Int("rows", 0, "rows of the generated workload")
	flags.Int("keys", 0, "distinct keys of the generated workload")
	flags.String("distribution", "", "key distribution of the generated workload. uniform, skewed")
	flags.String("sets", "", "grouping sets. cube, rollup or lists like \"0,1;0;\"")
	flags.Int("sources", 0, "number of sink goroutines")
	flags.StringSlice("aggrs", nil, "aggregates like sum(1),count_star()")
	flags.IntSlice("groups", nil, "group by columns")
	flags.Bool("print_result", false, "print the result rows")
	flags.Bool("print_plan", false, "print the partition tree after finalize")
	flags.Int("max_output_row_count", 0, "print at most these rows. 0 means all")

	bind := func(key, flag string) {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
	bind("aggr.threads", "threads")
	bind("aggr.initialRadixBits", "initial_radix_bits")
	bind("aggr.maxRadixBits", "max_radix_bits")
	bind("aggr.partitionMemoryLimit", "partition_memory_limit")
	bind("aggr.disableAbandon", "disable_abandon")
	bind("memory.limit", "memory_limit")
	bind("memory.tempDir", "temp_dir")
	bind("workload.format", "format")
	bind("workload.path", "path")
	bind("workload.rows", "rows")
	bind("workload.keys", "keys")
	bind("workload.distribution", "distribution")
	bind("workload.sets", "sets")
	bind("workload.sources", "sources")
	bind("workload.aggrs", "aggrs")
	bind("workload.groups", "groups")
	bind("debug.printResult", "print_result")
	bind("debug.printPlan", "print_plan")
	bind("debug.maxOutputRowCount", "max_output_row_count")
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "tester.toml"

// loadConfig decodes the toml file when there is one. The defaults are
// used otherwise.
func loadConfig() {
	fpath := cfgFile
	if fpath == "" {
		for _, dirPath := range defCfgFilePaths {
			if p := filepath.Join(dirPath, cfgFileName); util.FileIsValid(p) {
				fpath = p
				break
			}
		}
	}
	if fpath == "" {
		return
	}
	cfg, err := util.LoadConfig(fpath)
	if err != nil {
		//the logger is not set up yet
		fmt.Fprintf(os.Stderr, "load config file %s failed: %v\n", fpath, err)
		os.Exit(1)
	}
	testerCfg = cfg
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
