// SPDX-License-Identifier: AGPL-3.0-only

// Command tcpmsg-echo-client is a sample ClientEndpoint front-end: it
// connects to tcpmsg-echo-server, sends one message via send_and_wait,
// and prints the echoed response.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	"github.com/xendarboh/tcpmsg/client"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/stats"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server address")
	port := flag.Int("port", 7000, "server port")
	pskHex := flag.String("psk", "", "16-byte preshared key, hex-encoded; must match the server")
	message := flag.String("message", "hello from tcpmsg-echo-client", "payload to send")
	timeout := flag.Duration("timeout", 5*time.Second, "send_and_wait timeout")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "echo-client", ReportTimestamp: true})

	settings := config.Defaults()
	var psk []byte
	if *pskHex != "" {
		var err error
		psk, err = hex.DecodeString(*pskHex)
		if err != nil || len(psk) != 16 {
			logger.Fatalf("-psk must be 32 hex characters (16 bytes)")
		}
		if err := settings.WithPresharedKey(psk); err != nil {
			logger.Fatalf("configuring PresharedKey: %v", err)
		}
	}
	defer settings.Destroy()

	authDone := make(chan bool, 1)
	handlers := events.Handlers{
		ProvidePSK: func() ([]byte, bool) {
			return psk, psk != nil
		},
		AuthenticationSucceeded: func() {
			logger.Info("authenticated")
			authDone <- true
		},
		AuthenticationFailed: func() {
			logger.Warn("authentication failed")
			authDone <- false
		},
		ServerDisconnected: func(reason events.DisconnectReason) {
			logger.Infof("disconnected: %s", reason)
		},
		ExceptionEncountered: func(err error) {
			logger.Warnf("handler exception: %v", err)
		},
	}

	collector := stats.NewCollector(nil, "tcpmsg_echo_client")
	ep, err := client.New(settings, handlers, collector)
	if err != nil {
		logger.Fatalf("building client: %v", err)
	}
	if err := ep.Connect(*host, *port); err != nil {
		logger.Fatalf("connecting: %v", err)
	}
	defer ep.Disconnect()

	if psk != nil {
		select {
		case ok := <-authDone:
			if !ok {
				logger.Fatal("server rejected authentication")
			}
		case <-time.After(*timeout):
			logger.Fatal("timed out waiting for authentication")
		}
	}

	resp, err := ep.SendAndWait(*timeout, []byte(*message), nil)
	if err != nil {
		logger.Fatalf("send_and_wait: %v", err)
	}
	fmt.Printf("echo: %s\n", resp.Payload)
}
