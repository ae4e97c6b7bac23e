package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xyonrad/sda-go/internal/transfer"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Download assets under a cached access token",
		Long: `Download one or more assets to the output directory. A valid access
token for --login is ensured first (issuing a new one only when the
cached token is missing, expired, or rejected). Downloads stream to a
.partial sibling and are renamed into place only when complete, so an
interrupted run never leaves a truncated file at the destination.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFetch,
	}

	cmd.Flags().String("login", "", "account whose token to use (required)")
	cmd.Flags().String("out", ".", "output directory")
	cmd.Flags().Int("parallel", 0, "parallel downloads (default from config)")
	cmd.Flags().Bool("no-probe", false, "skip the remote probe of the cached token")

	_ = cmd.MarkFlagRequired("login")

	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	login, _ := cmd.Flags().GetString("login")
	outDir, _ := cmd.Flags().GetString("out")
	parallel, _ := cmd.Flags().GetInt("parallel")
	noProbe, _ := cmd.Flags().GetBool("no-probe")

	if parallel <= 0 {
		parallel = resolvedCfg.Transfers.ParallelDownloads
	}

	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := manager.Current(ctx, login)
	if err != nil {
		return err
	}

	if rec == nil || manager.IsExpired(rec) {
		return fmt.Errorf("no valid token for %s — run 'sda-go login %s' first", login, login)
	}

	if !noProbe {
		// EnsureValid without a secret cannot reissue; probing up front
		// turns a server-side revocation into a clear error instead of
		// eight failed download attempts.
		rec, err = manager.EnsureValid(ctx, login, "", "", true)
		if err != nil {
			return fmt.Errorf("cached token for %s is no longer accepted — run 'sda-go login %s'", login, login)
		}
	}

	readTimeout, err := resolvedCfg.ReadTimeout()
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: readTimeout}

	return fetchAll(ctx, httpClient, args, outDir, rec.AccessToken, parallel)
}

// fetchAll downloads all URLs through a bounded worker pool. Each worker
// gets its own transfer client so per-file progress callbacks do not
// race. The first failure cancels the remaining workers.
func fetchAll(ctx context.Context, httpClient *http.Client, urls []string, outDir, token string, parallel int) error {
	showProgress := isatty.IsTerminal(os.Stderr.Fd()) && !flagQuiet

	var totalBytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, rawURL := range urls {
		g.Go(func() error {
			dest, err := destinationPath(outDir, rawURL)
			if err != nil {
				return err
			}

			statusf("Fetching %s\n", filepath.Base(dest))

			client := transfer.NewClient(httpClient, rootLogger)
			if showProgress {
				client.Progress = func(bytes int64) {
					fmt.Fprintf(os.Stderr, "\r%s: %s", filepath.Base(dest), formatSize(bytes))
				}
			}

			got, err := client.Fetch(gctx, rawURL, dest, token)

			if showProgress {
				fmt.Fprintln(os.Stderr)
			}

			if err != nil {
				return fmt.Errorf("fetching %s: %w", rawURL, err)
			}

			if info, statErr := os.Stat(got); statErr == nil {
				totalBytes.Add(info.Size())
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	statusf("Fetched %d file(s), %s\n", len(urls), formatSize(totalBytes.Load()))

	return nil
}

// destinationPath derives the local file path for a source URL.
func destinationPath(outDir, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a file name from %q", rawURL)
	}

	return filepath.Join(outDir, name), nil
}
