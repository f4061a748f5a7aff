// Command circlecam is a demo CLI for the camera API client library:
// authorize a client, list cameras, record live video, watch push events.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"circlecam/internal/auth"
	"circlecam/internal/camera"
	"circlecam/internal/client"
	"circlecam/internal/crypto"
	"circlecam/internal/livestream"
	"circlecam/internal/subscription"
	"circlecam/internal/tokenstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if os.Getenv("CIRCLE_DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	provider, c := setup()
	defer provider.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "authorize":
		err = runAuthorize(ctx, provider)
	case "cameras":
		err = runCameras(ctx, c)
	case "snapshot":
		err = runSnapshot(ctx, c, os.Args[2:])
	case "record":
		err = runRecord(ctx, c, os.Args[2:])
	case "watch":
		err = runWatch(ctx, provider, c)
	case "monitor":
		err = runMonitor(ctx, provider, c, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: circlecam <command>

commands:
  authorize              run the OAuth2 authorization flow
  cameras                list cameras on the account
  snapshot <name> [file] download a still image
  record   <name> [args] record live stream segments to a file
  watch                  print push events as they arrive
  monitor  <name> [args] record and watch concurrently`)
}

func setup() (*auth.Provider, *client.Client) {
	cachePath := envOr("CIRCLE_TOKEN_CACHE", defaultCachePath())

	var store tokenstore.Store
	if dbPath := os.Getenv("CIRCLE_TOKEN_DB"); dbPath != "" {
		var opts []tokenstore.SQLiteOption
		if enc := encryptorFromEnv(); enc != nil {
			opts = append(opts, tokenstore.WithSQLiteEncryptor(enc))
		}
		s, err := tokenstore.NewSQLiteStore(dbPath, opts...)
		if err != nil {
			log.Fatalf("opening token database: %v", err)
		}
		store = s
	} else {
		var opts []tokenstore.FileOption
		if enc := encryptorFromEnv(); enc != nil {
			opts = append(opts, tokenstore.WithEncryptor(enc))
		}
		store = tokenstore.NewFileStore(cachePath, opts...)
	}

	provider, err := auth.New(auth.Config{
		ClientID:     mustEnv("CIRCLE_CLIENT_ID"),
		ClientSecret: mustEnv("CIRCLE_CLIENT_SECRET"),
		RedirectURI:  envOr("CIRCLE_REDIRECT_URI", "http://localhost:8642/callback"),
	}, store)
	if err != nil {
		log.Fatalf("initializing auth: %v", err)
	}

	c := client.New(provider, mustEnv("CIRCLE_API_KEY"))
	return provider, c
}

func encryptorFromEnv() *crypto.Encryptor {
	key := os.Getenv("CIRCLE_TOKEN_KEY")
	if key == "" {
		return nil
	}
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		log.Fatalf("invalid CIRCLE_TOKEN_KEY: %v", err)
	}
	return enc
}

// runAuthorize prints the grant URL and captures the authorization code on a
// local callback listener.
func runAuthorize(ctx context.Context, provider *auth.Provider) error {
	redirect, err := url.Parse(envOr("CIRCLE_REDIRECT_URI", "http://localhost:8642/callback"))
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	state := randomState()
	codeCh := make(chan string, 1)

	r := chi.NewRouter()
	r.Get(redirect.Path, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := req.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorized. You can close this window.")
		codeCh <- code
	})

	srv := &http.Server{Addr: redirect.Host, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	defer srv.Shutdown(context.Background())

	fmt.Println("Visit the following URL to authorize this client:")
	fmt.Println()
	fmt.Println("  " + provider.AuthCodeURL(state))
	fmt.Println()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case code := <-codeCh:
		if err := provider.Authorize(ctx, code); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
		fmt.Println("Authorization complete; tokens persisted.")
		return nil
	}
}

func runCameras(ctx context.Context, c *client.Client) error {
	cameras, err := camera.List(ctx, c)
	if err != nil {
		return err
	}
	for _, cam := range cameras {
		state := "offline"
		if cam.IsConnected() {
			state = "online"
		}
		fmt.Printf("%-24s %-10s model=%s signal=%s", cam.Name(), state, cam.Model(), cam.SignalCategory())
		if level, ok := cam.BatteryLevel(); ok {
			fmt.Printf(" battery=%d%%", level)
		}
		fmt.Println()
	}
	return nil
}

func runSnapshot(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("snapshot: camera name required")
	}
	cam, err := findCamera(ctx, c, args[0])
	if err != nil {
		return err
	}
	dest := cam.Name() + ".jpg"
	if len(args) > 1 {
		dest = args[1]
	}
	if _, err := cam.DownloadSnapshot(ctx, dest); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", dest)
	return nil
}

func runRecord(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	segments := fs.Int("segments", 10, "number of segments to record")
	out := fs.String("out", "", "output file (default <camera>.mp4)")
	if len(args) < 1 {
		return fmt.Errorf("record: camera name required")
	}
	fs.Parse(args[1:])

	cam, err := findCamera(ctx, c, args[0])
	if err != nil {
		return err
	}
	dest := *out
	if dest == "" {
		dest = cam.Name() + ".mp4"
	}

	session := livestream.New(cam, c)
	for i := 0; i < *segments; i++ {
		if _, err := session.GetSegment(ctx, dest); err != nil {
			return err
		}
		fmt.Printf("segment %d/%d -> %s\n", i+1, *segments, dest)
	}
	return nil
}

func runWatch(ctx context.Context, provider *auth.Provider, c *client.Client) error {
	cameras, err := camera.List(ctx, c)
	if err != nil {
		return err
	}
	updaters := make([]subscription.CameraUpdater, 0, len(cameras))
	for _, cam := range cameras {
		updaters = append(updaters, cam)
	}

	sub, err := subscription.Subscribe(ctx, c, provider, updaters, nil)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		event, err := sub.GetNextEvent(ctx)
		if err != nil {
			return err
		}
		if event.Type == "" {
			// Subscription wound down.
			return nil
		}
		fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), event.Type, event.Data)
	}
}

// runMonitor records one camera while printing push events for the account.
func runMonitor(ctx context.Context, provider *auth.Provider, c *client.Client, args []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runRecord(ctx, c, args) })
	g.Go(func() error { return runWatch(ctx, provider, c) })
	return g.Wait()
}

func findCamera(ctx context.Context, c *client.Client, name string) (*camera.Camera, error) {
	cameras, err := camera.List(ctx, c)
	if err != nil {
		return nil, err
	}
	for _, cam := range cameras {
		if cam.Name() == name || cam.ID() == name {
			return cam, nil
		}
	}
	return nil, fmt.Errorf("no camera named %q", name)
}

func randomState() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	return hex.EncodeToString(buf)
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".circlecam-tokens.json"
	}
	return filepath.Join(home, ".circlecam-tokens.json")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s is required", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
