// Command linkbench drives a channel.Channel end to end over a real UDP
// socket (host/client subcommands) or an in-process netemu-wrapped pair
// (emulate subcommand), in the spirit of the original basestation's bare
// networkTestApp: a small knob-driven exerciser rather than a full
// application, useful for manually confirming a build's wire behavior and
// for soaking a link under configurable loss and jitter.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reliabletransport/pkg/channel"
	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/netclock"
	"reliabletransport/pkg/netemu"
	"reliabletransport/pkg/netlog"
	"reliabletransport/pkg/netmetrics"
	"reliabletransport/pkg/netsock"
	"reliabletransport/pkg/reliable"
)

var (
	logLevel    string
	fastConfig  bool
	metricsAddr string

	bindAddr    string
	connectAddr string

	sendReliable bool
	numSends     int
	sendFreqMS   int
	payloadSize  int

	lossPercent  float64
	minLatencyMS float64
	maxLatencyMS float64
	lossSeed     uint64

	instanceID = uuid.NewString()
)

var rootCmd = &cobra.Command{
	Use:   "linkbench",
	Short: "Exercise the reliable-UDP transport stack over a real or emulated link",
	Long: `linkbench drives a pkg/channel.Channel end to end, either over a real
UDP socket (host/client) or an in-process emulated link with configurable
loss and jitter (emulate). It is a manual soak and smoke-test tool, not a
production server.`,
}

func newLogger() netlog.Logger {
	lvl := netlog.LevelInfo
	switch logLevel {
	case "debug":
		lvl = netlog.LevelDebug
	case "warn":
		lvl = netlog.LevelWarn
	case "error":
		lvl = netlog.LevelError
	}
	return netlog.New(netlog.WithLevel(lvl))
}

func connectionConfig() *reliable.Config {
	if fastConfig {
		return reliable.FastConfig()
	}
	return reliable.DefaultConfig()
}

func parseHostPort(s string) (netaddr.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netaddr.None, fmt.Errorf("linkbench: invalid address %q: %w", s, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, portStr))
	if err != nil {
		return netaddr.None, fmt.Errorf("linkbench: could not resolve %q: %w", s, err)
	}
	return netaddr.FromUDPAddr(udpAddr), nil
}

func serveMetrics(log netlog.Logger, reg *prometheus.Registry) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Info("metrics server listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error("metrics server stopped: %v", err)
		}
	}()
}

// wrappedSocket builds the L0 socket for bind, applying the netemu decorator
// when loss or jitter has been requested.
func wrappedSocket(log netlog.Logger) netsock.Socket {
	sock := netsock.Socket(netsock.NewUDPSocket())
	if lossPercent > 0 || maxLatencyMS > 0 {
		cfg := netemu.Config{LossPercent: lossPercent, MinLatencyMS: minLatencyMS, MaxLatencyMS: maxLatencyMS, Seed: lossSeed}
		log.Info("wrapping socket with netemu: loss=%.1f%% latency=[%.0f,%.0f]ms", lossPercent, minLatencyMS, maxLatencyMS)
		sock = netemu.New(sock, netclock.Real(), cfg)
	}
	return sock
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Bind a socket, accept incoming connections, and log traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		local, err := parseHostPort(bindAddr)
		if err != nil {
			return err
		}

		ch, err := channel.New(wrappedSocket(log), connectionConfig(), netclock.Real(), log)
		if err != nil {
			return err
		}
		if err := ch.Transport().StartHost(local); err != nil {
			return fmt.Errorf("linkbench: StartHost: %w", err)
		}
		log.Success("host %s listening on %s", instanceID, bindAddr)

		reg := prometheus.NewRegistry()
		var knownPeers []netaddr.Endpoint
		reg.MustRegister(netmetrics.New("linkbench", ch.Transport(), func() []netaddr.Endpoint { return knownPeers }))
		serveMetrics(log, reg)

		var nextID uint32 = 1
		for {
			ch.Transport().Update()
			for {
				pkt, ok := ch.PopIncoming()
				if !ok {
					break
				}
				switch pkt.Tag {
				case channel.TagConnectionRequest:
					id := netaddr.ConnectionID(nextID)
					nextID++
					ch.AcceptIncoming(id, pkt.Source)
					knownPeers = append(knownPeers, pkt.Source)
					log.Info("accepted connection %s from %s", id, pkt.Source)
				case channel.TagConnected:
					log.Success("peer %s connected", pkt.Source)
				case channel.TagDisconnected:
					log.Warn("peer %s disconnected", pkt.Source)
				case channel.TagNormalMessage:
					log.Info("recv %d bytes from %s: %q", len(pkt.Payload), pkt.Source, truncate(pkt.Payload, 64))
				}
			}
			time.Sleep(reliable.SchedulerTick)
		}
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a host and optionally send a burst of messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		local, err := parseHostPort(bindAddr)
		if err != nil {
			return err
		}
		remote, err := parseHostPort(connectAddr)
		if err != nil {
			return err
		}

		ch, err := channel.New(wrappedSocket(log), connectionConfig(), netclock.Real(), log)
		if err != nil {
			return err
		}
		if err := ch.Transport().StartHost(local); err != nil {
			return fmt.Errorf("linkbench: StartHost: %w", err)
		}

		const serverID netaddr.ConnectionID = 1
		ch.AddConnection(serverID, remote)
		ch.Transport().Connect(remote)
		log.Info("client %s connecting to %s", instanceID, connectAddr)

		payload := make([]byte, payloadSize)
		for i := range payload {
			payload[i] = byte('a' + i%26)
		}

		var sent, recvd int32
		freq := time.Duration(sendFreqMS) * time.Millisecond
		lastSend := time.Now()
		connected := false

		for {
			ch.Transport().Update()
			for {
				pkt, ok := ch.PopIncoming()
				if !ok {
					break
				}
				switch pkt.Tag {
				case channel.TagConnected:
					connected = true
					log.Success("connected to %s", remote)
				case channel.TagDisconnected:
					log.Warn("disconnected from %s", remote)
					return nil
				case channel.TagNormalMessage:
					atomic.AddInt32(&recvd, 1)
					log.Info("recv %d bytes (total=%d)", len(pkt.Payload), atomic.LoadInt32(&recvd))
				}
			}

			if connected && numSends > 0 && int(sent) < numSends && time.Since(lastSend) >= freq {
				if ch.Send(channel.OutgoingPacket{Buffer: payload, Dest: serverID, Reliable: sendReliable}) {
					sent++
					lastSend = time.Now()
				}
			}
			if connected && numSends > 0 && int(sent) >= numSends {
				log.Success("sent all %d messages", numSends)
				return nil
			}
			time.Sleep(reliable.SchedulerTick)
		}
	},
}

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run a host/client pair in-process over an emulated lossy link",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		reg := netsock.NewFakeRegistry()
		cfg := netemu.Config{LossPercent: lossPercent, MinLatencyMS: minLatencyMS, MaxLatencyMS: maxLatencyMS, Seed: lossSeed}
		clock := netclock.Real()

		hostSock := netemu.New(reg.Socket(), clock, cfg)
		clientSock := netemu.New(reg.Socket(), clock, cfg)

		hostCh, err := channel.New(hostSock, connectionConfig(), clock, log)
		if err != nil {
			return err
		}
		clientCh, err := channel.New(clientSock, connectionConfig(), clock, log)
		if err != nil {
			return err
		}

		hostAddr := netaddr.NewVirtual(1)
		clientAddr := netaddr.NewVirtual(2)
		if err := hostCh.Transport().StartHost(hostAddr); err != nil {
			return err
		}
		if err := clientCh.Transport().StartHost(clientAddr); err != nil {
			return err
		}

		const clientSideID netaddr.ConnectionID = 1
		var hostSideID netaddr.ConnectionID = 2

		clientCh.AddConnection(clientSideID, hostAddr)
		clientCh.Transport().Connect(hostAddr)

		payload := make([]byte, payloadSize)
		for i := range payload {
			payload[i] = byte('a' + i%26)
		}

		var sent, recvd int
		deadline := time.Now().Add(time.Duration(numSends) * time.Duration(sendFreqMS) * time.Millisecond * 4)
		lastSend := time.Now()
		connected := false

		for time.Now().Before(deadline) {
			hostCh.Transport().Update()
			clientCh.Transport().Update()

			for {
				pkt, ok := hostCh.PopIncoming()
				if !ok {
					break
				}
				if pkt.Tag == channel.TagConnectionRequest {
					hostCh.AcceptIncoming(hostSideID, pkt.Source)
				}
			}
			for {
				pkt, ok := clientCh.PopIncoming()
				if !ok {
					break
				}
				switch pkt.Tag {
				case channel.TagConnected:
					connected = true
				case channel.TagNormalMessage:
					recvd++
				}
			}

			if connected && sent < numSends && time.Since(lastSend) >= time.Duration(sendFreqMS)*time.Millisecond {
				if clientCh.Send(channel.OutgoingPacket{Buffer: payload, Dest: clientSideID, Reliable: sendReliable}) {
					sent++
					lastSend = time.Now()
				}
			}
			if sent >= numSends && recvd >= numSends {
				break
			}
			time.Sleep(reliable.SchedulerTick)
		}

		log.Success("emulated run done: sent=%d received=%d loss=%.1f%%", sent, recvd, lossPercent)
		if recvd < sent && sendReliable {
			log.Error("reliable delivery dropped %d of %d messages before the deadline", sent-recvd, sent)
		}
		return nil
	},
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&fastConfig, "fast", false, "Use the low-latency tuning profile instead of the default one")
	rootCmd.PersistentFlags().Float64Var(&lossPercent, "loss", 0, "Simulated packet loss percentage [0,100]")
	rootCmd.PersistentFlags().Float64Var(&minLatencyMS, "min-latency", 0, "Simulated minimum one-way latency in milliseconds")
	rootCmd.PersistentFlags().Float64Var(&maxLatencyMS, "max-latency", 0, "Simulated maximum one-way latency in milliseconds")
	rootCmd.PersistentFlags().Uint64Var(&lossSeed, "seed", 1, "Seed for the loss/latency PRNG")

	hostCmd.Flags().StringVar(&bindAddr, "bind", "0.0.0.0:12345", "Local address to bind")
	hostCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")

	clientCmd.Flags().StringVar(&bindAddr, "bind", "0.0.0.0:0", "Local address to bind")
	clientCmd.Flags().StringVar(&connectAddr, "connect", "127.0.0.1:12345", "Host address to connect to")
	clientCmd.Flags().BoolVar(&sendReliable, "reliable", true, "Send messages reliably")
	clientCmd.Flags().IntVar(&numSends, "send", 0, "Number of messages to send (0 disables sending)")
	clientCmd.Flags().IntVar(&sendFreqMS, "freq", 20, "Milliseconds between sends")
	clientCmd.Flags().IntVar(&payloadSize, "size", 32, "Payload size in bytes")
	clientCmd.MarkFlagRequired("connect")

	emulateCmd.Flags().BoolVar(&sendReliable, "reliable", true, "Send messages reliably")
	emulateCmd.Flags().IntVar(&numSends, "send", 100, "Number of messages to send")
	emulateCmd.Flags().IntVar(&sendFreqMS, "freq", 5, "Milliseconds between sends")
	emulateCmd.Flags().IntVar(&payloadSize, "size", 32, "Payload size in bytes")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(emulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
