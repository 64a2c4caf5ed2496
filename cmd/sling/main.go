package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ehrlich-b/sling/internal/backend"
	"github.com/ehrlich-b/sling/internal/cli"
	"github.com/ehrlich-b/sling/internal/config"
	"github.com/ehrlich-b/sling/internal/events"
	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/server"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
	"github.com/ehrlich-b/sling/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sling",
		Short:   "Submit programs to remote hosts and watch them run",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().String("context", "", "Named server entry from ~/.sling/config")

	rootCmd.AddCommand(
		serveCmd(),
		loginCmd(),
		submitCmd(),
		jobsCmd(),
		serversCmd(),
		interpretersCmd(),
		keysCmd(),
		tokenCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sling server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on")
	cmd.Flags().String("data-dir", "", "Directory for database and media files")
	cmd.Flags().String("config-dir", ".", "Directory to search for a config file")
	cmd.Flags().Bool("allow-anonymous", false, "Accept unauthenticated API requests")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")

	cfg, configFile, err := config.Load(configDir)
	if errors.Is(err, config.ErrNoConfig) {
		cfg = config.Default()
	} else if err != nil {
		return err
	}

	// Flags and env vars override the file
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if v := os.Getenv("SLING_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SLING_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SLING_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SLING_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("SLING_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	allowAnonymous, _ := cmd.Flags().GetBool("allow-anonymous")
	if v := os.Getenv("SLING_ALLOW_ANONYMOUS"); v == "1" || v == "true" {
		allowAnonymous = true
	}

	log := slog.Default()
	if configFile != "" {
		log.Info("loaded config", "file", configFile)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	var store storage.Storage
	if cfg.UsesPostgres() {
		log.Info("initializing storage", "backend", "postgres")
		store, err = storage.NewPostgres(cfg.DatabaseURL, cfg.SecretKey)
	} else {
		log.Info("initializing storage", "backend", "sqlite", "path", cfg.DatabasePath())
		store, err = storage.NewSQLite(cfg.DatabasePath(), cfg.SecretKey)
	}
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	var mediaStore media.Store
	switch cfg.Media.Backend {
	case "s3":
		log.Info("initializing media store", "backend", "s3", "bucket", cfg.Media.S3.Bucket)
		mediaStore, err = media.NewS3Store(media.S3Config{
			Endpoint:        cfg.Media.S3.Endpoint,
			Region:          cfg.Media.S3.Region,
			Bucket:          cfg.Media.S3.Bucket,
			AccessKeyID:     cfg.Media.S3.AccessKeyID,
			SecretAccessKey: cfg.Media.S3.SecretAccessKey,
		}, log)
	default:
		log.Info("initializing media store", "backend", "filesystem", "dir", cfg.Media.Dir)
		mediaStore, err = media.NewFilesystemStore(cfg.Media.Dir, log)
	}
	if err != nil {
		return fmt.Errorf("initialize media store: %w", err)
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Outstanding tickets die with the process; they only live a
		// minute anyway.
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		jwtSecret = hex.EncodeToString(raw)
	}

	hub := events.NewHub(log)
	submitter := submit.NewSubmitter(store, mediaStore, hub, log)
	if cfg.KnownHostsFile != "" {
		knownHosts := cfg.KnownHostsFile
		submitter.SetBackendFactory(func(remote bool, hostname string, port int, username string) backend.Backend {
			if !remote {
				return backend.NewLocal()
			}
			r := backend.NewRemote(hostname, port, username)
			r.KnownHostsFile = knownHosts
			return r
		})
	}

	auth := server.NewAuthenticator(store, []byte(jwtSecret), allowAnonymous, log)
	if allowAnonymous {
		log.Warn("anonymous access enabled")
	}

	api := server.NewAPIHandler(store, mediaStore, submitter, auth, log)
	api.SetDefaultTimeout(cfg.DefaultTimeout.Duration())
	ws := server.NewWSHandler(hub, store, auth, log)

	dispatcher := server.NewDispatcher(store, submitter, cfg.DispatchWorkers, log)
	submitter.SetDispatcher(dispatcher)
	api.SetQueue(dispatcher)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.NewMux(api, ws, auth),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

// --- client plumbing ---

// apiClient builds a client from env overrides or the CLI config file.
func apiClient(cmd *cobra.Command) (*cli.Client, error) {
	if url := os.Getenv("SLING_URL"); url != "" {
		return cli.NewClient(url, os.Getenv("SLING_TOKEN")), nil
	}

	cfg, err := cli.LoadConfig()
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Flags().GetString("context")
	sc, err := cfg.Resolve(name)
	if err != nil {
		return nil, err
	}
	return cli.NewClient(sc.URL, sc.Token), nil
}

func parseIDArg(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <url>",
		Short: "Save a server connection to ~/.sling/config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			token, _ := cmd.Flags().GetString("token")
			user, _ := cmd.Flags().GetString("user")

			cfg, err := cli.LoadConfig()
			if err != nil {
				return err
			}
			cfg.SetServerConfig(name, cli.ServerConfig{
				URL:   args[0],
				Token: token,
				User:  user,
			})
			if err := cli.SaveConfig(cfg); err != nil {
				return err
			}
			fmt.Printf("Saved server %q (%s)\n", name, args[0])
			return nil
		},
	}
	cmd.Flags().String("name", "default", "Name for this server entry")
	cmd.Flags().String("token", "", "API token")
	cmd.Flags().String("user", "", "Username the token acts as")
	return cmd
}

// --- submit ---

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <program-file>",
		Short: "Create a job from a program file and run it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	cmd.Flags().String("title", "", "Job title (default: the file name)")
	cmd.Flags().Int64("server", 0, "Server id to run on")
	cmd.Flags().Int64("interpreter", 0, "Interpreter id to run with")
	cmd.Flags().String("remote-dir", "", "Remote working directory")
	cmd.Flags().String("log-policy", "", "Log capture: none, live, or total")
	cmd.Flags().String("timeout", "", "Run time bound, e.g. 10m")
	cmd.Flags().StringSlice("store", nil, "Result file patterns, e.g. '*.csv,!raw.csv'")
	cmd.Flags().Bool("local", false, "Run on the server host instead of over SSH")
	cmd.Flags().String("user", "", "SSH username (default: job owner)")
	cmd.Flags().Bool("ask-password", false, "Prompt for an SSH password")
	cmd.Flags().String("public-key", "", "Public key path for key-based SSH auth")
	cmd.Flags().Bool("deferred", false, "Queue the submission instead of waiting")
	cmd.Flags().BoolP("follow", "f", false, "Stream logs while the job runs")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("interpreter")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	program, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}

	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	title, _ := cmd.Flags().GetString("title")
	if title == "" {
		title = args[0]
	}
	serverID, _ := cmd.Flags().GetInt64("server")
	interpreterID, _ := cmd.Flags().GetInt64("interpreter")
	remoteDir, _ := cmd.Flags().GetString("remote-dir")

	job, err := client.CreateJob(ctx, cli.JobRequest{
		Title:           title,
		Program:         string(program),
		ServerID:        serverID,
		InterpreterID:   interpreterID,
		RemoteDirectory: remoteDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created job %d (%s)\n", job.ID, job.UUID)

	req := cli.SubmitRequest{}
	if local, _ := cmd.Flags().GetBool("local"); local {
		f := false
		req.Remote = &f
	}
	req.LogPolicy, _ = cmd.Flags().GetString("log-policy")
	req.Timeout, _ = cmd.Flags().GetString("timeout")
	req.StoreResults, _ = cmd.Flags().GetStringSlice("store")
	req.Username, _ = cmd.Flags().GetString("user")
	req.PublicKeyPath, _ = cmd.Flags().GetString("public-key")
	req.Deferred, _ = cmd.Flags().GetBool("deferred")
	if ask, _ := cmd.Flags().GetBool("ask-password"); ask {
		req.Password, err = cli.PromptPassword("SSH password: ")
		if err != nil {
			return err
		}
	}

	follow, _ := cmd.Flags().GetBool("follow")
	if follow && !req.Deferred {
		// Sync submission blocks until the job finishes, so follow has to
		// ride alongside it.
		followDone := make(chan struct{})
		go func() {
			defer close(followDone)
			if err := cli.FollowLogs(ctx, client, job.ID, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "follow: %v\n", err)
			}
		}()
		defer func() { <-followDone }()
	}

	resp, err := client.SubmitJob(ctx, job.ID, req)
	if err != nil {
		return err
	}

	if req.Deferred {
		fmt.Printf("Queued as submission %d\n", resp.QueueID)
		if follow {
			return followQueued(ctx, client, resp.QueueID, job.ID)
		}
		fmt.Printf("Check with: sling jobs queue %d\n", resp.QueueID)
		return nil
	}

	fmt.Printf("Job finished: %s\n", resp.Status)
	for name, resultID := range resp.Results {
		fmt.Printf("  result %s (id %d)\n", name, resultID)
	}
	if resp.Status != "success" {
		os.Exit(1)
	}
	return nil
}

// followQueued waits for the queue to pick the job up, then streams logs.
func followQueued(ctx context.Context, client *cli.Client, queueID, jobID int64) error {
	for {
		sub, err := client.GetQueueStatus(ctx, queueID)
		if err != nil {
			return err
		}
		switch sub.State {
		case "pending":
			time.Sleep(time.Second)
			continue
		case "failed":
			return fmt.Errorf("queued submission failed: %s", sub.Error)
		}
		break
	}
	return cli.FollowLogs(ctx, client, jobID, os.Stdout)
}

// --- jobs ---

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsShowCmd(), jobsLogsCmd(), jobsResultsCmd(), jobsQueueCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			owner, _ := cmd.Flags().GetString("owner")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			jobs, err := client.ListJobs(cmd.Context(), cli.JobFilter{
				Owner: owner, Status: status, Limit: limit,
			})
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%-6d %-10s %-12s %s\n", j.ID, j.Status, j.Owner, j.Title)
			}
			return nil
		},
	}
	cmd.Flags().String("owner", "", "Filter by owner")
	cmd.Flags().String("status", "", "Filter by status")
	cmd.Flags().Int("limit", 0, "Max jobs to list")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("id:        %d\n", job.ID)
			fmt.Printf("uuid:      %s\n", job.UUID)
			fmt.Printf("title:     %s\n", job.Title)
			fmt.Printf("status:    %s\n", job.Status)
			fmt.Printf("owner:     %s\n", job.Owner)
			fmt.Printf("directory: %s\n", job.RemoteDirectory)
			fmt.Printf("modified:  %s\n", job.ModifiedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func jobsLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print or follow a job's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return cli.FollowLogs(cmd.Context(), client, id, os.Stdout)
			}

			logs, err := client.GetLogs(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, entry := range logs {
				fmt.Print(entry.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "Follow log output")
	return cmd
}

func jobsResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "List or download a job's result files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			results, err := client.ListResults(cmd.Context(), id)
			if err != nil {
				return err
			}

			download, _ := cmd.Flags().GetBool("download")
			if !download {
				for _, res := range results {
					fmt.Printf("%-6d %s\n", res.ID, res.RemoteFilename)
				}
				return nil
			}

			for _, res := range results {
				f, err := os.Create(res.RemoteFilename)
				if err != nil {
					return fmt.Errorf("create %s: %w", res.RemoteFilename, err)
				}
				err = client.DownloadResult(cmd.Context(), res.ID, f)
				f.Close()
				if err != nil {
					return err
				}
				fmt.Printf("Downloaded %s\n", res.RemoteFilename)
			}
			return nil
		},
	}
	cmd.Flags().Bool("download", false, "Download the files to the current directory")
	return cmd
}

func jobsQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <queue-id>",
		Short: "Show the state of a deferred submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			sub, err := client.GetQueueStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("state: %s (job %d)\n", sub.State, sub.JobID)
			if sub.Error != "" {
				fmt.Printf("error: %s\n", sub.Error)
			}
			return nil
		},
	}
}

// --- servers ---

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage target servers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List servers",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				servers, err := client.ListServers(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range servers {
					fmt.Printf("%-6d %-20s %s:%d\n", s.ID, s.Title, s.Hostname, s.Port)
				}
				return nil
			},
		},
		serversAddCmd(),
		&cobra.Command{
			Use:   "remove <server-id>",
			Short: "Remove a server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				return client.DeleteServer(cmd.Context(), id)
			},
		},
		&cobra.Command{
			Use:   "attach <server-id> <interpreter-id>",
			Short: "Offer an interpreter on a server",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				serverID, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				interpID, err := parseIDArg(args[1])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				return client.AttachInterpreter(cmd.Context(), serverID, interpID)
			},
		},
		&cobra.Command{
			Use:   "detach <server-id> <interpreter-id>",
			Short: "Stop offering an interpreter on a server",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				serverID, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				interpID, err := parseIDArg(args[1])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				return client.DetachInterpreter(cmd.Context(), serverID, interpID)
			},
		},
		&cobra.Command{
			Use:   "interpreters <server-id>",
			Short: "List the interpreters a server offers",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				interps, err := client.ListServerInterpreters(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, i := range interps {
					fmt.Printf("%-6d %-12s %s %v\n", i.ID, i.Name, i.Path, i.Arguments)
				}
				return nil
			},
		},
	)
	return cmd
}

func serversAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title> <hostname>",
		Short: "Register a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			s, err := client.CreateServer(cmd.Context(), args[0], args[1], port)
			if err != nil {
				return err
			}
			fmt.Printf("Created server %d (%s:%d)\n", s.ID, s.Hostname, s.Port)
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "SSH port (default 22)")
	return cmd
}

// --- interpreters ---

func interpretersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interpreters",
		Short: "Manage interpreters",
	}
	addCmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register an interpreter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			interpArgs, _ := cmd.Flags().GetStringSlice("arg")
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			i, err := client.CreateInterpreter(cmd.Context(), args[0], args[1], interpArgs)
			if err != nil {
				return err
			}
			fmt.Printf("Created interpreter %d (%s)\n", i.ID, i.Path)
			return nil
		},
	}
	addCmd.Flags().StringSlice("arg", nil, "Argument placed before the program filename (repeatable)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List interpreters",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				interps, err := client.ListInterpreters(cmd.Context())
				if err != nil {
					return err
				}
				for _, i := range interps {
					fmt.Printf("%-6d %-12s %s %v\n", i.ID, i.Name, i.Path, i.Arguments)
				}
				return nil
			},
		},
		addCmd,
		&cobra.Command{
			Use:   "remove <interpreter-id>",
			Short: "Remove an interpreter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				return client.DeleteInterpreter(cmd.Context(), id)
			},
		},
	)
	return cmd
}

// --- keys ---

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage SSH keys on target hosts",
	}
	cmd.AddCommand(keyOpCmd("deploy", "Install the server's public key on a host"))
	cmd.AddCommand(keyOpCmd("remove", "Remove the server's public key from a host"))
	return cmd
}

func keyOpCmd(op, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   op + " <hostname>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			port, _ := cmd.Flags().GetInt("port")
			keyPath, _ := cmd.Flags().GetString("public-key")

			password, err := cli.PromptPassword("SSH password: ")
			if err != nil {
				return err
			}

			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			req := cli.KeyRequest{
				Hostname:      args[0],
				Port:          port,
				Username:      user,
				Password:      password,
				PublicKeyPath: keyPath,
			}
			if op == "deploy" {
				err = client.DeployKey(cmd.Context(), req)
			} else {
				err = client.RemoveKey(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Key %s on %s complete\n", op, args[0])
			return nil
		},
	}
	cmd.Flags().String("user", "", "SSH username")
	cmd.Flags().Int("port", 0, "SSH port (default 22)")
	cmd.Flags().String("public-key", "", "Public key path on the server host")
	cmd.MarkFlagRequired("user")
	return cmd
}

// --- tokens ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("user")
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tok, err := client.CreateToken(cmd.Context(), args[0], username)
			if err != nil {
				return err
			}
			fmt.Printf("Token %d created for %s.\n", tok.ID, tok.Username)
			fmt.Printf("Secret (shown once): %s\n", tok.Token)
			return nil
		},
	}
	createCmd.Flags().String("user", "", "Username the token acts as")
	createCmd.MarkFlagRequired("user")

	cmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List tokens",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				tokens, err := client.ListTokens(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range tokens {
					state := "active"
					if t.RevokedAt != nil {
						state = "revoked"
					}
					fmt.Printf("%-6d %-16s %-12s %s\n", t.ID, t.Name, t.Username, state)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <token-id>",
			Short: "Revoke a token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseIDArg(args[0])
				if err != nil {
					return err
				}
				client, err := apiClient(cmd)
				if err != nil {
					return err
				}
				return client.RevokeToken(cmd.Context(), id)
			},
		},
	)
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the server config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}

			cfg, configFile, err := config.Load(workDir)
			if err != nil {
				return err
			}

			fmt.Printf("Valid: %s\n", configFile)
			fmt.Printf("  addr: %s\n", cfg.Addr)
			fmt.Printf("  data_dir: %s\n", cfg.DataDir)
			if cfg.UsesPostgres() {
				fmt.Printf("  database: postgres\n")
			} else {
				fmt.Printf("  database: sqlite (%s)\n", cfg.DatabasePath())
			}
			fmt.Printf("  media: %s\n", cfg.Media.Backend)
			fmt.Printf("  dispatch_workers: %d\n", cfg.DispatchWorkers)
			if cfg.DefaultTimeout != 0 {
				fmt.Printf("  default_timeout: %s\n", cfg.DefaultTimeout.Duration())
			}
			return nil
		},
	})
	return cmd
}
