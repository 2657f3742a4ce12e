package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wipeline/internal/advisor"
	"wipeline/internal/config"
	"wipeline/internal/db"
	"wipeline/internal/domain"
	"wipeline/internal/engine"
	"wipeline/internal/migrate"
	"wipeline/internal/notify"
	"wipeline/internal/repo"
	"wipeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wipectl",
	Short: "Wipeline CLI",
	Long: `Wipeline orchestrates secure data erasure: it tracks storage devices,
runs wipe jobs through a verified state machine, and issues tamper-evident
erasure certificates that anyone can check without an account.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WIPELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("data-dir", ".", "data directory holding wipeline.yml and the database")
	rootCmd.PersistentFlags().Bool("json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().String("actor-id", "cli:local", "actor recorded in the audit trail")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	dataDir := viper.GetString("data-dir")
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(dataDir)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLogger())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	dataDir := viper.GetString("data-dir")
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func seedRBAC(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	for id, role := range cfg.RBAC.Roles {
		if err := r.UpsertRole(ctx, id, role.Description, role.Permissions); err != nil {
			return err
		}
	}
	return nil
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default wipeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("data-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

// --- devices ---

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{Use: "device", Short: "Manage the device registry"}
	dev.AddCommand(deviceRegisterCmd())
	dev.AddCommand(deviceListCmd())
	dev.AddCommand(deviceShowCmd())
	dev.AddCommand(deviceStatusCmd("protect", domain.DeviceProtected, "Mark a device Protected so jobs cannot target it"))
	dev.AddCommand(deviceStatusCmd("unprotect", domain.DeviceUnmounted, "Clear Protected status (device becomes Unmounted)"))
	dev.AddCommand(deviceMountCmd("mount", domain.DeviceMounted, "Mark a device Mounted"))
	dev.AddCommand(deviceMountCmd("unmount", domain.DeviceUnmounted, "Mark a device Unmounted"))
	dev.AddCommand(deviceSetStatusCmd())
	return dev
}

func deviceRegisterCmd() *cobra.Command {
	var path, devType, model, serial, size, status string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.RegisterDevice(ctx, domain.Device{
					Path:   path,
					Type:   devType,
					Model:  model,
					Serial: serial,
					Size:   size,
					Status: status,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "device path, e.g. /dev/sdb")
	cmd.Flags().StringVar(&devType, "type", "", "device type (HDD, SATA SSD, NVMe SSD, USB)")
	cmd.Flags().StringVar(&model, "model", "", "device model")
	cmd.Flags().StringVar(&serial, "serial", "", "device serial number")
	cmd.Flags().StringVar(&size, "size", "", "device capacity, e.g. 1 TB")
	cmd.Flags().StringVar(&status, "status", "", "initial status (defaults to Unmounted)")
	return cmd
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDevices(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Path", "Type", "Model", "Serial", "Size", "Status"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Path, d.Type, d.Model, d.Serial, d.Size, d.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDevice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func deviceStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.SetDeviceStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func deviceMountCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.SetMountState(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func deviceSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <device-id>",
		Short: "Set a device status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.SetDeviceStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Mounted, Unmounted or Protected")
	return cmd
}

// --- policies ---

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Wipe policy catalog"}
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policySuggestCmd())
	return pol
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List wipe policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Policies)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Passes", "Description"})
			for _, p := range cfg.Policies {
				passes := "native"
				if p.Passes != nil {
					passes = fmt.Sprintf("%d", *p.Passes)
				}
				tw.AppendRow(table.Row{p.Name, passes, p.Description})
			}
			tw.Render()
			return nil
		},
	}
}

func policySuggestCmd() *cobra.Command {
	var devType, requirements string
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest a policy for a device type and sensitivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if devType == "" {
				return fmt.Errorf("--type required")
			}
			return printJSONOrTable(advisor.Suggest(devType, requirements))
		},
	}
	cmd.Flags().StringVar(&devType, "type", "", "device type (HDD, SATA SSD, NVMe SSD, USB)")
	cmd.Flags().StringVar(&requirements, "requirements", "", "security requirements, e.g. 'HIPAA' or 'classified'")
	return cmd
}

// --- jobs ---

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage wipe jobs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobLogsCmd())
	job.AddCommand(jobStartCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobRetryCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var deviceID, fileName, fileSize, fileType, policy string
	var notify []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a wipe job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.JobCreateOptions{
					DeviceID:     deviceID,
					PolicyName:   policy,
					NotifyEmails: notify,
					ActorID:      viper.GetString("actor-id"),
				}
				if fileName != "" {
					opts.File = &domain.FileTarget{Name: fileName, Size: fileSize, Type: fileType}
				}
				j, err := e.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "target device id")
	cmd.Flags().StringVar(&fileName, "file", "", "target file name (alternative to --device)")
	cmd.Flags().StringVar(&fileSize, "file-size", "", "target file size")
	cmd.Flags().StringVar(&fileType, "file-type", "", "target file type")
	cmd.Flags().StringVar(&policy, "policy", "", "wipe policy name")
	cmd.Flags().StringSliceVar(&notify, "notify", nil, "emails to notify when the job finishes")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status, deviceID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, repo.JobFilters{Status: status, DeviceID: deviceID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Target", "Policy", "Status", "Progress", "Created"})
				for _, j := range items {
					target := ""
					if j.Target.Device != nil {
						target = j.Target.Device.Path
					} else if j.Target.File != nil {
						target = j.Target.File.Name
					}
					tw.AppendRow(table.Row{j.JobID, target, j.Policy.Name, j.Status, fmt.Sprintf("%.0f%%", j.Progress), j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&deviceID, "device", "", "filter by device id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				logs, err := r.ListJobLogs(ctx, j.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for _, l := range logs {
					fmt.Printf("%s  %s\n", l.TS, l.Line)
				}
				return nil
			})
		},
	}
}

func jobStartCmd() *cobra.Command {
	return jobActionCmd("start", "Start a queued job", func(ctx context.Context, e *engine.Engine, id string) (domain.WipeJob, error) {
		return e.StartJob(ctx, id, viper.GetString("actor-id"))
	})
}

func jobCancelCmd() *cobra.Command {
	return jobActionCmd("cancel", "Cancel a job", func(ctx context.Context, e *engine.Engine, id string) (domain.WipeJob, error) {
		return e.CancelJob(ctx, id, viper.GetString("actor-id"))
	})
}

func jobRetryCmd() *cobra.Command {
	return jobActionCmd("retry", "Re-queue a failed job", func(ctx context.Context, e *engine.Engine, id string) (domain.WipeJob, error) {
		return e.RetryJob(ctx, id, viper.GetString("actor-id"))
	})
}

func jobActionCmd(use, short string, fn func(context.Context, *engine.Engine, string) (domain.WipeJob, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

// --- certificates ---

func certCmd() *cobra.Command {
	cert := &cobra.Command{Use: "cert", Short: "Erasure certificates"}
	cert.AddCommand(certListCmd())
	cert.AddCommand(certShowCmd())
	cert.AddCommand(certIssueCmd())
	cert.AddCommand(certVerifyCmd())
	return cert
}

func certListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCertificates(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Certificate", "Job", "Target", "Method", "Result", "Issued"})
				for _, c := range items {
					target := c.DeviceModel
					if target == "" {
						target = c.FileName
					}
					tw.AppendRow(table.Row{c.CertificateID, c.JobID, target, c.WipeMethod, c.VerificationResult, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func certShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <certificate-id>",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCertificate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func certIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <job-id>",
		Short: "Fetch or issue the certificate for a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Issue(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func certVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <certificate-id>",
		Short: "Verify a certificate and recheck its log hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				facts, err := e.VerifyCertificate(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return printJSONOrTable(facts)
					}
					return err
				}
				j, err := e.Repo.GetJob(ctx, facts.JobID)
				if err == nil {
					logs, lerr := e.Repo.ListJobLogs(ctx, j.ID)
					if lerr == nil {
						match := engine.LogHash(logs) == facts.LogHash
						fmt.Printf("log hash recomputed: match=%v\n", match)
					}
				}
				return printJSONOrTable(facts)
			})
		},
	}
}

// --- API keys ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				raw := "wlk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				if err := r.EnsureActor(ctx, actorID, now); err != nil {
					return err
				}
				for _, role := range roles {
					if err := r.AssignRole(ctx, actorID, role); err != nil {
						return err
					}
				}
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant the actor")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- RBAC ---

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacSeedCmd())
	cmd.AddCommand(rbacGrantCmd())
	return cmd
}

func rbacSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load configured roles into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := seedRBAC(ctx, r, cfg); err != nil {
					return err
				}
				fmt.Printf("seeded %d roles\n", len(cfg.RBAC.Roles))
				return nil
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, actor, now); err != nil {
					return err
				}
				return r.AssignRole(ctx, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

// --- event log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var follow bool
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, limit, 0, "", "", "")
				if err != nil {
					return err
				}
				// LatestEvents returns newest first; print oldest first.
				var cursor int64
				for i := len(events) - 1; i >= 0; i-- {
					printEvent(events[i])
					if events[i].ID > cursor {
						cursor = events[i].ID
					}
				}
				if !follow {
					return nil
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
					more, err := r.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, evt := range more {
						printEvent(evt)
						cursor = evt.ID
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing new events")
	cmd.Flags().IntVar(&limit, "limit", 50, "initial rows")
	return cmd
}

func printEvent(evt domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(evt)
		return
	}
	fmt.Printf("%s  %-22s %s/%s actor=%s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDriver bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and progress driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := viper.GetString("data-dir")
			conn, err := db.Open(db.Config{DataDir: dataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(dataDir)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Address
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			log := newLogger()
			e := engine.New(conn, cfg, log)
			if cfg.Notifications.Mode == "webhook" {
				e.Notifier = notify.HTTPNotifier{URL: cfg.Notifications.URL}
			}
			if err := seedRBAC(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}

			jwtSecret := os.Getenv("WIPELINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Server.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("WIPELINE_JWT_SECRET is required for bearer auth")
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret, AllowDevLogin: cfg.Server.AllowDevLogin}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			if !noDriver {
				driver := engine.NewDriver(e, engine.ProbeFromConfig(cfg), log)
				go driver.Run(cmd.Context())
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving wipeline api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default /v1)")
	cmd.Flags().BoolVar(&noDriver, "no-driver", false, "do not run the progress driver")
	return cmd
}

// --- output helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
