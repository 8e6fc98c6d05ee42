// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	ctpeer "github.com/dblokhin/ctpeer"
	"github.com/dblokhin/ctpeer/config"
	"github.com/dblokhin/ctpeer/internal/digest"
)

func init() {
	// Output to stdout instead of the default stderr
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
}

func main() {
	var (
		bindAddr    = flag.String("bind", ":6969", "local UDP address to listen on")
		sharedDir   = flag.String("dir", "./shared", "root of the shared directory tree")
		controlURL  = flag.String("control", "http://127.0.0.1:8080", "base URL of the control server")
		clusterHex  = flag.String("cluster", "", "hex-encoded 32-byte cluster ID")
		peerHex     = flag.String("peer-id", "", "hex-encoded 32-byte peer ID")
		bootstrap   = flag.String("bootstrap", "", "path to a bootstrap peer list file")
		pollSeconds = flag.Int("poll", 30, "seconds between update() cycles")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	clusterID, err := parseID(*clusterHex)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -cluster")
	}

	peerID, err := parseID(*peerHex)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -peer-id")
	}

	var bootstrapPeers []config.BootstrapPeer
	if *bootstrap != "" {
		bootstrapPeers, err = config.LoadBootstrapPeers(*bootstrap)
		if err != nil {
			logrus.WithError(err).Fatal("loading bootstrap peer list")
		}
	}

	cfg := config.Config{
		ClusterID:        clusterID,
		PeerID:           peerID,
		BindAddr:         *bindAddr,
		SharedDir:        *sharedDir,
		ControlServerURL: *controlURL,
		BootstrapPeers:   bootstrapPeers,
		WorkerPoolSize:   config.DefaultWorkerPoolSize,
		SyncConcurrency:  config.DefaultSyncConcurrency,
	}

	peer, err := ctpeer.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("starting peer")
	}
	defer peer.Close()

	logrus.Info("peer listening on ", *bindAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(*pollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("shutting down")
			return
		case <-ticker.C:
			if err := peer.Update(ctx); err != nil {
				logrus.WithError(err).Warn("update cycle failed")
			}
		}
	}
}

func parseID(hex string) ([32]byte, error) {
	if hex == "" {
		return [32]byte{}, nil
	}

	d, err := digest.Parse(hex)
	if err != nil {
		return [32]byte{}, err
	}

	return d, nil
}
