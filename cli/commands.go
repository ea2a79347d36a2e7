package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"socketretarder/api"
	"socketretarder/config"
	"socketretarder/retarder"
)

// CLI colors and styles
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan, color.Bold)
	headerColor  = color.New(color.FgMagenta, color.Bold)
)

// CreateCommands builds all subcommands of the root command.
func CreateCommands() []*cobra.Command {
	var commands []*cobra.Command

	var apiAddr string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the delay engine standalone with its control API",
		Long: `Starts the loopback indirection proxy and the UDP egress worker with the
configuration taken from SOCKET_RETARDER_* environment variables, and serves
the control API when an address is set (--api or SOCKET_RETARDER_API).
Useful for protocol-level testing and for tuning scenarios
against live traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if apiAddr != "" {
				cfg.APIAddr = apiAddr
			}
			return runEngine(cfg)
		},
	}
	runCmd.Flags().StringVarP(&apiAddr, "api", "a", "", "Control API listen address (overrides SOCKET_RETARDER_API)")
	commands = append(commands, runCmd)

	envCmd := &cobra.Command{
		Use:     "env",
		Short:   "Show the effective configuration",
		Aliases: []string{"config"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			showConfig(cfg)
			return nil
		},
	}
	commands = append(commands, envCmd)

	scenarioCmd := &cobra.Command{
		Use:   "scenario",
		Short: "Manage delay/fault scenario files",
	}

	var outFile string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Build a scenario file with interactive prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initScenarioInteractive(outFile)
		},
	}
	initCmd.Flags().StringVarP(&outFile, "output", "o", "retarder-scenario.yaml", "Where to write the scenario file")

	showCmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Print a scenario file as a table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := "retarder-scenario.yaml"
			if len(args) > 0 {
				file = args[0]
			}
			return showScenario(file)
		},
	}

	scenarioCmd.AddCommand(initCmd, showCmd)
	commands = append(commands, scenarioCmd)

	return commands
}

// runEngine starts the retarder machinery and blocks until a signal.
func runEngine(cfg *config.Config) error {
	r, err := retarder.New(cfg, retarder.Options{})
	if err != nil {
		return fmt.Errorf("start retarder: %w", err)
	}
	successColor.Printf("✅ Delay engine running; proxy on 127.0.0.1:%d\n", r.ProxyPort())

	var apiServer *http.Server
	if cfg.APIAddr != "" {
		router := mux.NewRouter()
		api.RegisterHandlers(router, api.NewHandler(cfg, r.Scenario(), r.Stats(), r.Pending()))

		c := cors.New(cors.Options{
			AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		})
		apiServer = &http.Server{Addr: cfg.APIAddr, Handler: c.Handler(router)}

		go func() {
			successColor.Printf("✅ Control API listening on http://%s\n", cfg.APIAddr)
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorColor.Printf("Control API failed: %v\n", err)
			}
		}()
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
	infoColor.Println("Shutting down...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			errorColor.Printf("Control API shutdown error: %v\n", err)
		}
	}
	r.Shutdown()
	infoColor.Println("Stopped.")
	return nil
}

// showConfig prints the effective configuration as a table.
func showConfig(cfg *config.Config) {
	headerColor.Println("\n🔍 Effective configuration:")

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Setting", "Value")

	table.Append("debug", strconv.Itoa(cfg.Debug))
	table.Append("retard DNS", strconv.FormatBool(cfg.RetardDNS))
	table.Append("control API", orDash(cfg.APIAddr))
	table.Append("scenario file", orDash(cfg.ScenarioFile))
	appendScenario(table, &cfg.Scenario)

	table.Render()
}

func appendScenario(table *tablewriter.Table, sc *config.Scenario) {
	table.Append("distribution", sc.Distribution)
	if sc.Distribution == config.DistUniform {
		table.Append("uniform a", fmt.Sprintf("%d ms", sc.UniformAMs))
		table.Append("uniform b", fmt.Sprintf("%d ms", sc.UniformBMs))
	} else {
		table.Append("normal mean", fmt.Sprintf("%d ms", sc.NormalMeanMs))
		table.Append("normal variance", fmt.Sprintf("%d ms", sc.NormalVarianceMs))
	}
	table.Append("UDP drop probability", fmt.Sprintf("%g", sc.DropProbability))
	table.Append("UDP damage probability", fmt.Sprintf("%g", sc.DamageProbability))
	table.Append("UDP duplicate probability", fmt.Sprintf("%g", sc.DuplicateProbability))
}

// initScenarioInteractive builds a scenario with survey prompts and writes it
// as YAML.
func initScenarioInteractive(outFile string) error {
	headerColor.Println("\n🚀 Creating a new delay/fault scenario...")

	sc := config.DefaultScenario()
	sc.ID = uuid.New().String()

	distPrompt := &survey.Select{
		Message: "Delay distribution:",
		Options: []string{config.DistNormal, config.DistUniform},
		Default: config.DistNormal,
		Help:    "normal: central-limit approximation around a mean, uniform: flat between two bounds",
	}
	if err := survey.AskOne(distPrompt, &sc.Distribution); err != nil {
		return err
	}

	if sc.Distribution == config.DistUniform {
		if err := askInt("Lower bound in milliseconds:", config.DefaultUniformAMs, &sc.UniformAMs); err != nil {
			return err
		}
		if err := askInt("Upper bound in milliseconds:", config.DefaultUniformBMs, &sc.UniformBMs); err != nil {
			return err
		}
	} else {
		if err := askInt("Mean delay in milliseconds:", config.DefaultNormalMeanMs, &sc.NormalMeanMs); err != nil {
			return err
		}
		if err := askInt("Variance in milliseconds:", config.DefaultNormalVarianceMs, &sc.NormalVarianceMs); err != nil {
			return err
		}
	}

	if err := askProb("UDP drop probability [0..1]:", &sc.DropProbability); err != nil {
		return err
	}
	if err := askProb("UDP damage probability [0..1]:", &sc.DamageProbability); err != nil {
		return err
	}
	if err := askProb("UDP duplicate probability [0..1]:", &sc.DuplicateProbability); err != nil {
		return err
	}

	if err := sc.Validate(); err != nil {
		return err
	}
	if err := config.SaveScenario(outFile, &sc); err != nil {
		return err
	}

	successColor.Println("\n✅ Scenario written!")
	infoColor.Printf("   File: %s\n", outFile)
	infoColor.Printf("   Activate with: export SOCKET_RETARDER_SCENARIO=%s\n", outFile)
	return nil
}

// showScenario prints a scenario file as a table.
func showScenario(file string) error {
	sc, err := config.LoadScenario(file)
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		errorColor.Printf("⚠ Scenario %s is invalid: %v\n", file, err)
	}

	headerColor.Printf("\n🔍 Scenario %s:\n", file)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Setting", "Value")
	if sc.ID != "" {
		table.Append("id", sc.ID)
	}
	appendScenario(table, sc)
	table.Render()
	return nil
}

func askInt(message string, def int, out *int) error {
	raw := ""
	prompt := &survey.Input{Message: message, Default: strconv.Itoa(def)}
	if err := survey.AskOne(prompt, &raw, survey.WithValidator(survey.Required)); err != nil {
		return err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("not a number: %q", raw)
	}
	*out = v
	return nil
}

func askProb(message string, out *float64) error {
	raw := ""
	prompt := &survey.Input{Message: message, Default: "0"}
	if err := survey.AskOne(prompt, &raw); err != nil {
		return err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("not a probability: %q", raw)
	}
	*out = v
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
