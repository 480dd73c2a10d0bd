// Package cmd initializes the CLI and config parsers as well as the logger,
// and runs a mesh node.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd runs a node that relays mesh traffic and broadcasts stdin lines
// as chat messages.
var rootCmd = &cobra.Command{
	Use:   "signalmesh",
	Short: "Runs a signalmesh node for off-grid disaster relief messaging",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := startNode(nodeSettingsFromViper(), os.Stdout)
		if err != nil {
			return err
		}
		defer n.close()

		n.printIdentity(os.Stdout)
		fmt.Println("Status:          running (type to broadcast, Ctrl+C to stop)")
		fmt.Println("Commands:        " + consoleHelp)

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				fmt.Println("Status:          shutting down")
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					fmt.Println("Status:          shutting down")
					return nil
				}
				n.handleInput(ctx, line, os.Stdout)
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
	if err := scanner.Err(); err != nil {
		jww.WARN.Printf("stdin: %v", err)
	}
}

// initLog sets the jww thresholds: 0 info, 1 debug, 2+ trace. A logPath
// other than "-" sends log output to that file instead of stdout.
func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP(logLevelFlag, "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag(logLevelFlag, rootCmd.PersistentFlags().Lookup(logLevelFlag))

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag(logFlag, rootCmd.PersistentFlags().Lookup(logFlag))

	rootCmd.PersistentFlags().StringP(dataDirFlag, "d", "",
		"Node data directory (defaults to the per-user config directory)")
	viper.BindPFlag(dataDirFlag, rootCmd.PersistentFlags().Lookup(dataDirFlag))

	rootCmd.PersistentFlags().IntP(portFlag, "p", 0,
		"TCP listening port, overriding the stored configuration")
	viper.BindPFlag(portFlag, rootCmd.PersistentFlags().Lookup(portFlag))

	rootCmd.PersistentFlags().StringSlice(peerFlag, nil,
		"Bootstrap peer host:port, may be repeated")
	viper.BindPFlag(peerFlag, rootCmd.PersistentFlags().Lookup(peerFlag))

	rootCmd.PersistentFlags().StringP(nameFlag, "n", "",
		"Device name announced to peers, overriding the stored configuration")
	viper.BindPFlag(nameFlag, rootCmd.PersistentFlags().Lookup(nameFlag))
}

// initConfig reads overrides from the environment.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
