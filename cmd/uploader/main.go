package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/lungscreen/internal/coordinator"
	"github.com/your-org/lungscreen/pkg/config"
	"github.com/your-org/lungscreen/pkg/logger"
)

var (
	version  = "dev"
	revision = "none"

	endpoint  string
	patientID string
	studyID   string
	logLevel  string
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	c := &cobra.Command{
		Use:     "uploader",
		Short:   "Upload screening images to the ingestion service",
		Version: fmt.Sprintf("%s - build %.7s - %s", version, revision, runtime.Version()),
		Args:    cobra.NoArgs,
	}
	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for uploader",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(c.Version)
		},
	})

	pushCmd.Flags().StringVarP(&endpoint, "endpoint", "e", cfg.Endpoint, "Upload endpoint URL")
	pushCmd.Flags().StringVar(&patientID, "patient-id", "", "Patient identifier sent with every file")
	pushCmd.Flags().StringVar(&studyID, "study-id", "", "Study identifier sent with every file")
	pushCmd.Flags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level")
	pushCmd.Flags().Duration("timeout", cfg.Timeout, "Timeout for the whole submission")
	c.AddCommand(pushCmd)

	if err := c.Execute(); err != nil {
		os.Exit(1)
	}
}

var pushCmd = &cobra.Command{
	Use:          "push FILE...",
	Short:        "Stage the given files and submit them",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logr, err := logger.New(logLevel, "console")
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck

		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		coord := coordinator.New(coordinator.Options{
			Uploader: coordinator.NewHTTPUploader(endpoint, &http.Client{}),
			Logger:   logr,
		})
		coord.SetMetadata(patientID, studyID)
		coord.OnProgress(func(pct int) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress: %3d%%", pct)
		})
		coord.OnStateChange(func(s coordinator.State) {
			logr.Debug("state changed", zap.Stringer("state", s))
		})

		if err := coord.AddPaths(args...); err != nil {
			return err
		}

		uploaded, err := coord.Submit(ctx)
		fmt.Fprintln(cmd.ErrOrStderr())
		for _, f := range uploaded {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", f.ID, f.URL, f.Size)
		}
		if err != nil {
			var se *coordinator.SubmitError
			if errors.As(err, &se) {
				logr.Error("upload failed",
					zap.String("reason", se.Message),
					zap.Int("remaining", len(coord.Pending())),
					zap.Error(se.Err),
				)
			}
			return err
		}

		logr.Info("upload complete", zap.Int("files", len(uploaded)))
		return nil
	},
}
