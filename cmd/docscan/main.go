package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "docscan: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "docscan",
		Short:        "docscan development CLI",
		Long:         "docscan orchestrates the local stack (Postgres, Redis, MinIO, api, worker) and common dev workflows.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(
		newComposeCmd("up", "Start the full docker-compose stack", "--build", "-d"),
		newComposeCmd("down", "Stop the docker-compose stack"),
		newComposeCmd("logs", "Tail logs from docker-compose services", "-f"),
		newComposeCmd("build", "Build Docker images via docker compose"),
		newTestCmd(),
		newRunCmd(),
	)
	return cmd
}

// newComposeCmd wraps one docker compose subcommand, forwarding extra args
// (service names, flags) untouched.
func newComposeCmd(verb, short string, extra ...string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " [service...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := append([]string{"compose", "-f", composeFile, verb}, extra...)
			composeArgs = append(composeArgs, args...)
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
}

func newTestCmd() *cobra.Command {
	var race bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			goArgs = append(goArgs, pkgs...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable the Go race detector")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	for _, svc := range []string{"api", "worker"} {
		svc := svc
		cmd.AddCommand(&cobra.Command{
			Use:   svc,
			Short: "go run ./cmd/" + svc,
			RunE: func(cmd *cobra.Command, args []string) error {
				goArgs := append([]string{"run", "./cmd/" + svc}, args...)
				return runCommand(cmd.Context(), "go", goArgs...)
			},
		})
	}
	return cmd
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
