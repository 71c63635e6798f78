package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/filecenter/pkg/filecenter"
	"github.com/jacktea/filecenter/pkg/server/httpapi"
	"github.com/jacktea/filecenter/pkg/server/middleware"
)

type app struct {
	center *filecenter.Center
}

type centerOptions struct {
	DBPath            string
	CodecKey          string
	FileSizeThreshold int64
	ChunkSize         int
	TemporaryLifetime time.Duration
	MaxFileSize       int64
}

func newCenter(opts centerOptions) (*filecenter.Center, error) {
	if opts.DBPath == "" {
		return nil, errors.New("database path is required (--db)")
	}
	if opts.CodecKey == "" {
		return nil, errors.New("codec key is required (--codec-key or FILECENTER_CODEC_KEY)")
	}
	return filecenter.New(filecenter.Config{
		DBPath:            opts.DBPath,
		CodecKey:          opts.CodecKey,
		FileSizeThreshold: opts.FileSizeThreshold,
		ChunkSize:         opts.ChunkSize,
		TemporaryLifetime: opts.TemporaryLifetime,
		MaxFileSize:       opts.MaxFileSize,
	})
}

func (a *app) ensureCenter() error {
	if a.center != nil {
		return nil
	}
	center, err := newCenter(centerOptions{
		DBPath:            viper.GetString("db"),
		CodecKey:          viper.GetString("codec_key"),
		FileSizeThreshold: viper.GetInt64("file_size_threshold"),
		ChunkSize:         viper.GetInt("chunk_size"),
		TemporaryLifetime: viper.GetDuration("temporary_file_lifetime"),
		MaxFileSize:       viper.GetInt64("max_file_size"),
	})
	if err != nil {
		return err
	}
	a.center = center
	return nil
}

func (a *app) close() {
	if a.center != nil {
		_ = a.center.Close()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "filecenter",
		Short:         "content-addressable file store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureCenter()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("filecenter")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "filecenter"))
		}
	}
	viper.SetEnvPrefix("FILECENTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("db", ".filecenter/files.db", "path to the record database")
	rootCmd.PersistentFlags().String("codec-key", "", "secret key for id tokens (required)")
	rootCmd.PersistentFlags().Int64("file-size-threshold", filecenter.DefaultFileSizeThreshold, "largest payload stored inline, in bytes")
	rootCmd.PersistentFlags().Int("chunk-size", 0, "chunk size for chunked payloads (0 selects the default)")
	rootCmd.PersistentFlags().Duration("temporary-file-lifetime", filecenter.DefaultTemporaryLifetime, "how long an unread temporary file stays retrievable")
	rootCmd.PersistentFlags().Int64("max-file-size", 0, "reject payloads larger than this, in bytes (0 selects the default)")

	bindConfig("db", rootCmd.PersistentFlags().Lookup("db"))
	bindConfig("codec_key", rootCmd.PersistentFlags().Lookup("codec-key"))
	bindConfig("file_size_threshold", rootCmd.PersistentFlags().Lookup("file-size-threshold"))
	bindConfig("chunk_size", rootCmd.PersistentFlags().Lookup("chunk-size"))
	bindConfig("temporary_file_lifetime", rootCmd.PersistentFlags().Lookup("temporary-file-lifetime"))
	bindConfig("max_file_size", rootCmd.PersistentFlags().Lookup("max-file-size"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newStatCmd(),
		newRmCmd(),
		newTokenCmd(),
		newGCCmd(),
		newServeHTTPCmd(),
	)
}

func newPutCmd() *cobra.Command {
	var (
		temporary bool
		name      string
		mimeType  string
	)
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store a file and print its token (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(cmd.Context(), application.center, args[0], filecenter.PutOptions{
				FileName:  name,
				MIMEType:  mimeType,
				Temporary: temporary,
			})
		},
	}
	cmd.Flags().BoolVar(&temporary, "temporary", false, "store as a single-use temporary file")
	cmd.Flags().StringVar(&name, "name", "", "file name to record (defaults to the path's base name)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type to record")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <token>",
		Short: "Print the file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(cmd.Context(), application.center, args[0])
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <token>",
		Short: "Print file metadata (consumes a temporary file)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(cmd.Context(), application.center, args[0])
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <token>",
		Short: "Remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := application.center.DecryptIDToken(args[0])
			if err != nil {
				return err
			}
			return application.center.Delete(cmd.Context(), id)
		},
	}
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <token>",
		Short: "Decrypt a token and print the record id it names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := application.center.DecryptIDToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d\n", id)
			return nil
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim expired temporary files and orphaned chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			reclaimed, err := application.center.ClearGarbage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "gc reclaimed %d entries\n", reclaimed)
			return nil
		},
	}
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the file center over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:       viper.GetString("serve_http.addr"),
				APIKey:     viper.GetString("serve_http.api_key"),
				RateLimit:  viper.GetInt("serve_http.rate_limit"),
				RateWindow: viper.GetDuration("serve_http.rate_window"),
				MaxUpload:  viper.GetInt64("serve_http.max_upload"),
			}
			return runServeHTTP(cmd.Context(), application.center, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int64("max-upload", 0, "largest upload body accepted, in bytes (0 disables)")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.max_upload", cmd.Flags().Lookup("max-upload"))
	return cmd
}

type httpServeOptions struct {
	Addr       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	MaxUpload  int64
}

func runServeHTTP(ctx context.Context, center *filecenter.Center, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		APIKey:         opt.APIKey,
		MaxUploadBytes: opt.MaxUpload,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	server := &httpapi.Server{Center: center, Opts: httpOpts}
	fmt.Fprintf(os.Stderr, "Serving file center API on %s\n", opt.Addr)
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func doPut(ctx context.Context, center *filecenter.Center, path string, opts filecenter.PutOptions) error {
	var src filecenter.Source
	if path == "-" {
		src = filecenter.FromReader(os.Stdin)
	} else {
		src = filecenter.FromPath(path)
	}
	id, err := center.Put(ctx, src, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, center.EncryptID(id))
	return nil
}

func doCat(ctx context.Context, center *filecenter.Center, tok string) error {
	item, err := center.GetByToken(ctx, tok)
	if err != nil {
		return err
	}
	defer item.Data.Close()
	rc := item.Data.Open()
	if _, err := io.Copy(os.Stdout, rc); err != nil {
		return err
	}
	return rc.Close()
}

func doStat(ctx context.Context, center *filecenter.Center, tok string) error {
	item, err := center.GetByToken(ctx, tok)
	if err != nil {
		return err
	}
	defer item.Data.Close()
	fmt.Fprintf(os.Stdout, "id:\t%d\n", item.ID)
	fmt.Fprintf(os.Stdout, "size:\t%d\n", item.Size)
	fmt.Fprintf(os.Stdout, "mime:\t%s\n", item.MIMEType)
	if item.FileName != "" {
		fmt.Fprintf(os.Stdout, "name:\t%s\n", item.FileName)
	}
	fmt.Fprintf(os.Stdout, "created:\t%s\n", item.CreatedAt.Format(time.RFC3339))
	if item.Temporary {
		fmt.Fprintf(os.Stdout, "expires:\t%s\n", item.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
