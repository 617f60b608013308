package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/xcubelab/internal/auth"
	"github.com/loykin/xcubelab/pkg/template"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are persistent flags that override the config file.
type GlobalFlags struct {
	ConfigPath string
	LabURL     string
	Token      string
	LogLevel   string
}

// OpenFlags holds flags for the open command
type OpenFlags struct {
	JSON bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen     string
	StopOnExit bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// TemplateFlags holds flags for the template command
type TemplateFlags struct {
	Stores []string
	Output string
	Force  bool
}

// buildRoot creates the root command and its subcommands writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	xcubeCommand := command{flags: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(xcubeCommand, &ServeFlags{}),
		createOpenCommand(xcubeCommand, &OpenFlags{}),
		createStatusCommand(xcubeCommand),
		createStopCommand(xcubeCommand),
		createLabInfoCommand(xcubeCommand),
		createTemplateCommand(xcubeCommand, &TemplateFlags{}),
		createTokenHashCommand(xcubeCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "xcubelab",
		Short: "Start an xcube server next to JupyterLab and open its viewer",
		Long: `xcubelab runs the lab-side API that launches an xcube server, and the client
that brings the server up, waits until it answers and prints its viewer URL.

Examples:
  xcubelab serve --config xcubelab.toml          # lab-side API
  xcubelab open --lab-url http://localhost:8888/  # start server, print viewer URL
  xcubelab status
  xcubelab stop`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LabURL, "lab-url", "", "lab base URL (overrides [client] lab_url)")
	root.PersistentFlags().StringVar(&flags.Token, "token", "", "API token (overrides [client] token)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	return root
}

func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lab-side API",
		Long: `Run the HTTP API the client talks to. It launches the xcube server on request,
stores lab info and reports the server state until interrupted.

Examples:
  xcubelab serve
  xcubelab serve --listen 127.0.0.1:9000 --stop-on-exit
  xcubelab serve --daemonize --pidfile /tmp/xcubelab.pid --logfile /tmp/xcubelab.log`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			return c.Serve(cmd.Context(), *flags, nil)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (overrides [server] listen)")
	cmd.Flags().BoolVar(&flags.StopOnExit, "stop-on-exit", false, "stop the xcube server when the API exits")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createOpenCommand(c command, flags *OpenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Start the xcube server if needed and print its viewer URL",
		Long: `Register the lab, start the xcube server unless it already runs, wait until it
answers over HTTP and print the viewer URL.

Examples:
  xcubelab open
  xcubelab open --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Open(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the view and server status as JSON")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the xcube server state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the xcube server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createLabInfoCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labinfo",
		Short: "Show, set or delete the stored lab info",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the stored lab info",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.LabInfoGet(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "set <lab-url>",
			Short: "Store the lab URL; has_proxy is detected by the API",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.LabInfoSet(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the stored lab info",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.LabInfoDelete(cmd.Context())
			},
		},
	)
	return cmd
}

func createTemplateCommand(c command, flags *TemplateFlags) *cobra.Command {
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write an xcube server config",
		Long: `Write an xcube server YAML config with one data store per --store.
A store is <type>[:<root>], where type is one of ` + strings.Join(gen.GetSupportedTypes(), ", ") + `.

Examples:
  xcubelab template                              # file store rooted at ., to stdout
  xcubelab template --store file:/data --store s3:my-bucket -o xcube-server.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Template(*flags)
		},
	}
	cmd.Flags().StringArrayVar(&flags.Stores, "store", nil, "data store as <type>[:<root>] (repeatable)")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")
	return cmd
}

func createTokenHashCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "token-hash <token>",
		Short: "Print the bcrypt hash of a token for [server.auth] token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			h, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, h)
			return err
		},
	}
}
