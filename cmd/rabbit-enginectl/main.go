// Command rabbit-enginectl is a minimal CLI wrapper around the download
// engine: point it at a magnet link or a .torrent file, optionally seed it
// a handful of peer addresses (this module ships no tracker/DHT client —
// peer discovery is out of scope per spec.md §1), and it drives the
// download to completion, logging progress as it goes.
//
// Grounded on the teacher's cmd/rabbit/main.go wiring shape (logger setup,
// config init, client construction) minus the Wails/GUI binding, which is
// explicitly out of scope (spec.md Non-goal: "no web UI").
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cenkalti/backoff/v4"

	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/meta"
	"github.com/prxssh/rabbit-engine/internal/orchestrator"
	"github.com/prxssh/rabbit-engine/pkg/utils/logging"
)

var (
	app = kingpin.New("rabbit-enginectl", "Standalone driver for the rabbit-engine BitTorrent download engine")

	target  = app.Arg("target", "Magnet URI or path to a .torrent file").Required().String()
	peers   = app.Flag("peer", "Peer address to dial (ip:port), may be repeated").Strings()
	dir     = app.Flag("download-dir", "Directory to write downloaded content into").String()
	listen  = app.Flag("listen", "TCP port to accept inbound peer connections on (0 disables)").Default("0").Uint16()
	verbose = app.Flag("verbose", "Enable debug-level logging").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	setupLogger(*verbose)

	cfg, err := config.Init()
	if err != nil {
		slog.Error("failed to initialize config", "error", err.Error())
		os.Exit(1)
	}
	if *dir != "" {
		cfg.DefaultDownloadDir = *dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := buildTorrent(*target, cfg)
	if err != nil {
		slog.Error("failed to load torrent", "error", err.Error())
		os.Exit(1)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := t.Run(ctx); err != nil {
			slog.Error("engine stopped with error", "error", err.Error())
		}
	}()

	if *listen > 0 {
		go acceptInbound(ctx, t, *listen)
	}

	for _, p := range *peers {
		addr, err := netip.ParseAddrPort(p)
		if err != nil {
			slog.Warn("skipping invalid peer address", "peer", p, "error", err.Error())
			continue
		}
		go dialWithBackoff(ctx, t, addr)
	}

	reportProgress(ctx, t)

	<-runDone
	slog.Info("engine shut down", "infoHash", fmt.Sprintf("%x", t.InfoHash()))
}

// buildTorrent parses target as either a magnet link or a .torrent file
// path and constructs the corresponding orchestrator.Torrent.
func buildTorrent(target string, cfg *config.Config) (*orchestrator.Torrent, error) {
	opts := orchestrator.Opts{
		Log:         slog.Default(),
		Config:      cfg,
		LocalPeerID: cfg.ClientID,
		DownloadDir: cfg.DefaultDownloadDir,
	}

	if strings.HasPrefix(target, "magnet:") {
		m, err := meta.ParseMagnet(target)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
		slog.Info("loaded magnet link", "infoHash", fmt.Sprintf("%x", m.InfoHash), "name", m.Name)
		return orchestrator.NewFromMagnet(m, opts), nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %w", err)
	}
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	slog.Info("loaded torrent file", "infoHash", fmt.Sprintf("%x", mi.InfoHash), "name", mi.Info.Name, "pieces", len(mi.Info.Pieces))
	return orchestrator.New(mi.Info, mi.InfoHash, mi.RawInfoBytes, opts)
}

// dialWithBackoff retries an initial connect to addr with exponential
// backoff; once attached, the connection lives for as long as the peer
// stays up and is not redialed here.
func dialWithBackoff(ctx context.Context, t *orchestrator.Torrent, addr netip.AddrPort) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	op := func() error {
		err := t.DialPeer(ctx, addr)
		if err != nil {
			slog.Debug("dial failed, retrying", "peer", addr.String(), "error", err.Error())
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		slog.Warn("giving up on peer", "peer", addr.String(), "error", err.Error())
	}
}

// acceptInbound listens on port and attaches every inbound connection to
// t until ctx is cancelled.
func acceptInbound(ctx context.Context, t *orchestrator.Torrent, port uint16) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		slog.Error("failed to listen for inbound peers", "port", port, "error", err.Error())
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "error", err.Error())
			continue
		}
		go func() {
			if err := t.AcceptPeer(nc); err != nil {
				slog.Debug("inbound handshake failed", "remote", nc.RemoteAddr().String(), "error", err.Error())
			}
		}()
	}
}

// reportProgress logs piece/peer progress every few seconds until the
// torrent completes or ctx is cancelled.
func reportProgress(ctx context.Context, t *orchestrator.Torrent) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-ticker.C:
			owned, total := t.Progress()
			if total == 0 {
				slog.Info("fetching metadata", "peers", t.PeerCount())
				continue
			}
			slog.Info("progress", "pieces", fmt.Sprintf("%d/%d", owned, total), "peers", t.PeerCount())
			if owned == total {
				slog.Info("download complete", "infoHash", fmt.Sprintf("%x", t.InfoHash()))
				t.Shutdown()
				return
			}
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.ShowSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
