// SPDX-License-Identifier: AGPL-3.0-only

// Command tcpmsg-echo-server is a sample ServerEndpoint front-end: it
// echoes every buffered message back to its sender and answers
// synchronous requests with the same payload, optionally behind a PSK.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/server"
	"github.com/xendarboh/tcpmsg/stats"
)

func main() {
	host := flag.String("host", "127.0.0.1", "address to listen on")
	port := flag.Int("port", 7000, "port to listen on")
	pskHex := flag.String("psk", "", "16-byte preshared key, hex-encoded; empty disables authentication")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "echo-server", ReportTimestamp: true})

	settings := config.Defaults()
	if *pskHex != "" {
		psk, err := decodeHexPSK(*pskHex)
		if err != nil {
			logger.Fatalf("decoding -psk: %v", err)
		}
		if err := settings.WithPresharedKey(psk); err != nil {
			logger.Fatalf("configuring PresharedKey: %v", err)
		}
	}
	defer settings.Destroy()

	var srv *server.Endpoint
	handlers := events.Handlers{
		OnMessage: func(peer string, metadata map[string]interface{}, payload []byte) {
			logger.Infof("message from %s: %d bytes", peer, len(payload))
			if err := srv.Send(peer, payload, metadata); err != nil {
				logger.Warnf("echoing to %s: %v", peer, err)
			}
		},
		OnSyncReq: func(peer string, metadata map[string]interface{}, payload []byte) ([]byte, map[string]interface{}) {
			logger.Infof("sync request from %s: %d bytes", peer, len(payload))
			return payload, metadata
		},
		ClientConnected: func(peer string) {
			logger.Infof("client connected: %s", peer)
		},
		ClientDisconnected: func(peer string, reason events.DisconnectReason) {
			logger.Infof("client disconnected: %s (%s)", peer, reason)
		},
		ExceptionEncountered: func(err error) {
			logger.Warnf("handler exception: %v", err)
		},
	}

	collector := stats.NewCollector(nil, "tcpmsg_echo_server")
	srv, err := server.New(settings, handlers, collector)
	if err != nil {
		logger.Fatalf("building server: %v", err)
	}
	if err := srv.Start(*host, *port); err != nil {
		logger.Fatalf("starting server: %v", err)
	}
	logger.Infof("listening on %s", srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Warnf("stop: %v", err)
	}
}

func decodeHexPSK(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("expected 16 bytes (32 hex characters), got %d", len(b))
	}
	return b, nil
}
