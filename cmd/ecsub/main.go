// Command ecsub joins a topic over QUIC, publishes lines read from stdin as
// erasure coded messages and prints every message it reconstructs.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ppopth/ec-pubsub/config"
	"github.com/ppopth/ec-pubsub/host"
	"github.com/ppopth/ec-pubsub/publish"
	"github.com/ppopth/ec-pubsub/pubsub"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func run() error {
	var (
		listenPort   uint16
		connect      string
		topicName    string
		configPath   string
		identityPath string
		metricsAddr  string
		rateLimit    float64
		relay        bool
		verbose      bool
	)

	fs := pflag.NewFlagSet("ecsub", pflag.ContinueOnError)
	fs.Uint16VarP(&listenPort, "listen", "l", 0, "the listening port")
	fs.StringVarP(&connect, "connect", "c", "", "comma-separated list of remote addresses to connect to (e.g., 127.0.0.1:8001,127.0.0.1:8002)")
	fs.StringVar(&topicName, "topic", "ec-demo", "topic name to join")
	fs.StringVar(&configPath, "config", "", "YAML configuration file, overridden by flags")
	fs.StringVar(&identityPath, "identity", "", "file holding the node's private key, created when missing")
	fs.StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on (e.g., 127.0.0.1:9100)")
	fs.Float64Var(&rateLimit, "rate-limit", 0, "maximum pieces sent per second, 0 for unlimited")
	fs.BoolVar(&relay, "relay", false, "forward received pieces to the other subscribed peers")
	fs.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	// Options from the config file become the flag defaults, so the file has
	// to be read before the remaining flags are parsed.
	cfg := config.Default()
	if path := configFromArgs(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if verbose {
		logging.SetLogLevel("*", "debug")
	} else {
		logging.SetLogLevel("*", "info")
	}
	log.SetPrefix(fmt.Sprintf("[node-%d] ", listenPort))

	var hostOpts []host.HostOption
	if listenPort != 0 {
		hostOpts = append(hostOpts, host.WithAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), listenPort)))
	}
	if identityPath != "" {
		key, err := host.LoadIdentity(identityPath)
		if err != nil {
			return err
		}
		hostOpts = append(hostOpts, host.WithIdentity(key))
	}
	h, err := host.NewHost(hostOpts...)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer h.Close()
	log.Printf("Host %s started, listening on %s", h.ID(), h.LocalAddr())

	var trOpts []host.TransportOption
	trOpts = append(trOpts, host.WithMaxMessageSize(cfg.MaxPieceSize))
	if rateLimit > 0 {
		trOpts = append(trOpts, host.WithRateLimit(rateLimit, max(1, int(rateLimit))))
	}
	if relay {
		trOpts = append(trOpts, host.WithRelay(host.DefaultSeenTTL))
	}
	tr, err := host.NewTransport(h, trOpts...)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tr.Close()

	registry := prometheus.NewRegistry()
	ps, err := pubsub.NewPubSub(tr,
		pubsub.WithConfig(cfg),
		pubsub.WithRegisterer(registry),
		pubsub.WithRetryObserver(func(e publish.RetryEvent) {
			log.Printf("Retrying piece %d of %s in %v (attempt %d): %v", e.Seq, e.MessageID, e.Delay, e.Attempt, e.Err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	defer ps.Close()

	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		defer server.Close()
	}

	if _, err := ps.Subscribe(topicName, func(msg *pubsub.Message) {
		log.Printf("✓ Received message %s: %s", msg.ID, string(msg.Data))
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	log.Printf("Joined topic '%s' (k=%d, r=%.2f)", topicName, cfg.PieceCount, cfg.RedundancyFactor)

	for _, addrStr := range strings.Split(connect, ",") {
		addrStr = strings.TrimSpace(addrStr)
		if addrStr == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			log.Printf("Failed to resolve address %s: %v", addrStr, err)
			continue
		}
		log.Printf("Connecting to %s...", addr)
		if err := h.Connect(context.Background(), addr); err != nil {
			log.Printf("Failed to connect to %s: %v", addr, err)
		}
	}

	// Wait for subscriptions to propagate
	time.Sleep(500 * time.Millisecond)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("\n=== Erasure Coded PubSub Demo ===\n")
	fmt.Printf("Topic: %s\n", topicName)
	fmt.Printf("\nType messages to broadcast (press Enter to send, 'quit' to exit):\n")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		if message == "quit" || message == "exit" {
			break
		}
		if strings.HasPrefix(message, "/") {
			handleCommand(message, h, tr, ps, topicName)
			continue
		}

		start := time.Now()
		if err := ps.Publish(context.Background(), topicName, []byte(message)); err != nil {
			log.Printf("Failed to publish message: %v", err)
		} else {
			log.Printf("✓ Message published (took %v)", time.Since(start))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Scanner error: %v", err)
	}

	log.Println("Shutting down...")
	return nil
}

// configFromArgs finds the --config value without parsing the other flags
func configFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			return value
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// handleCommand processes special commands
func handleCommand(cmd string, h *host.Host, tr *host.Transport, ps *pubsub.PubSub, topicName string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /help  - Show this help")
		fmt.Println("  /peers - List connected peers and topic subscribers")
		fmt.Println("  /stats - Show datagram and decoder statistics")

	case "/peers":
		subscribers := make(map[string]bool)
		for _, p := range tr.Subscribers(topicName) {
			subscribers[p.String()] = true
		}
		for _, p := range h.Peers() {
			mark := ""
			if subscribers[p.String()] {
				mark = " (subscribed)"
			}
			fmt.Printf("  %s%s\n", p, mark)
		}

	case "/stats":
		stats := h.Stats()
		fmt.Printf("  Datagrams sent: %d (%d bytes)\n", stats.DatagramsSent(), stats.BytesSent())
		fmt.Printf("  Datagrams received: %d (%d bytes)\n", stats.DatagramsReceived(), stats.BytesReceived())
		fmt.Printf("  Messages being decoded: %d\n", ps.Sessions())

	default:
		fmt.Printf("Unknown command: %s. Type /help for available commands.\n", parts[0])
	}
}
