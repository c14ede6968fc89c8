package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dealvault/scalecore/internal/cache"
	"github.com/dealvault/scalecore/pkg/errors"
	"github.com/dealvault/scalecore/pkg/retry"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running scalecore",
		Long: "Fetch the combined status report from a running server, or with --from-cache " +
			"read the last snapshot a server published to Redis.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, v)
		},
	}

	cmd.Flags().String("url", "http://127.0.0.1:8080", "base URL of the running server")
	cmd.Flags().Bool("from-cache", false, "read the last published snapshot from Redis")
	cmd.Flags().Duration("timeout", 5*time.Second, "overall timeout")

	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var raw json.RawMessage
	if fromCache, _ := cmd.Flags().GetBool("from-cache"); fromCache {
		cfg, err := loadConfig(cmd, v)
		if err != nil {
			return err
		}
		rc := cache.NewRedis(cfg.Cache, nil)
		defer rc.Close()

		found, err := rc.LoadStatus(ctx, &raw)
		if err != nil {
			return err
		}
		if !found {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "no status published under %q\n", cfg.Cache.StatusKey)
			return err
		}
	} else {
		base, _ := cmd.Flags().GetString("url")
		body, err := fetchStatus(ctx, strings.TrimRight(base, "/")+"/status")
		if err != nil {
			return err
		}
		raw = body
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "malformed status report")
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}

// fetchStatus GETs url, retrying transport errors and 5xx answers.
func fetchStatus(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	r := retry.New(retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	err := r.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid status url")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return errors.Newf(errors.ErrCodeServiceDegraded, "status endpoint answered %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			return errors.Newf(errors.ErrCodeOperationFailed, "status endpoint answered %s", resp.Status)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
